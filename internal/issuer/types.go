package issuer

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ListParams are the query parameters shared by every list endpoint.
type ListParams struct {
	Count      int
	StartIndex int
	SortBy     string
	Filters    map[string]string
}

func (p ListParams) query() map[string]string {
	q := make(map[string]string, len(p.Filters)+3)
	for k, v := range p.Filters {
		q[k] = v
	}
	if p.Count > 0 {
		q["count"] = strconv.Itoa(p.Count)
	}
	q["start_index"] = strconv.Itoa(p.StartIndex)
	if p.SortBy != "" {
		q["sort_by"] = p.SortBy
	}
	return q
}

// Page is the list envelope returned by every collection endpoint.
// Callers continue with StartIndex = EndIndex + 1 while IsMore is set.
type Page[T any] struct {
	Count      int  `json:"count"`
	Data       []T  `json:"data"`
	IsMore     bool `json:"is_more"`
	StartIndex int  `json:"start_index"`
	EndIndex   int  `json:"end_index"`
}

// Validate checks every item on the page that knows how to validate itself.
func (p *Page[T]) Validate() error {
	for i := range p.Data {
		if v, ok := any(&p.Data[i]).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return fmt.Errorf("item %d: %w", p.StartIndex+i, err)
			}
		}
	}
	return nil
}

// ErrMalformed is returned when a remote payload fails boundary validation.
var ErrMalformed = errors.New("malformed remote payload")

func malformed(kind, field string) error {
	return fmt.Errorf("%w: %s missing %s", ErrMalformed, kind, field)
}

// User is the remote person resource.
type User struct {
	Token              string            `json:"token"`
	Status             string            `json:"status"`
	FirstName          *string           `json:"first_name,omitempty"`
	LastName           *string           `json:"last_name,omitempty"`
	Email              *string           `json:"email,omitempty"`
	Phone              *string           `json:"phone,omitempty"`
	Address1           *string           `json:"address1,omitempty"`
	Address2           *string           `json:"address2,omitempty"`
	City               *string           `json:"city,omitempty"`
	State              *string           `json:"state,omitempty"`
	PostalCode         *string           `json:"postal_code,omitempty"`
	Country            *string           `json:"country,omitempty"`
	BirthDate          *string           `json:"birth_date,omitempty"`
	IdentificationHash *string           `json:"identification_hash,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedTime        *time.Time        `json:"created_time,omitempty"`
	LastModifiedTime   *time.Time        `json:"last_modified_time,omitempty"`
}

func (u *User) Validate() error {
	if u.Token == "" {
		return malformed("user", "token")
	}
	if u.Status == "" {
		return malformed("user", "status")
	}
	return nil
}

// UserRequest is the body of a user create or update.
type UserRequest struct {
	Token              string            `json:"token,omitempty"`
	FirstName          string            `json:"first_name,omitempty"`
	LastName           string            `json:"last_name,omitempty"`
	Email              string            `json:"email,omitempty"`
	Phone              string            `json:"phone,omitempty"`
	Address1           string            `json:"address1,omitempty"`
	Address2           string            `json:"address2,omitempty"`
	City               string            `json:"city,omitempty"`
	State              string            `json:"state,omitempty"`
	PostalCode         string            `json:"postal_code,omitempty"`
	Country            string            `json:"country,omitempty"`
	BirthDate          string            `json:"birth_date,omitempty"`
	IdentificationHash string            `json:"identification_hash,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// UserTransitionRequest moves a remote person to a new status.
type UserTransitionRequest struct {
	Token      string `json:"token,omitempty"`
	UserToken  string `json:"user_token"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code"`
	Reason     string `json:"reason,omitempty"`
	Channel    string `json:"channel"`
}

// UserTransition is the platform's record of a person status change.
type UserTransition struct {
	Token            string     `json:"token"`
	UserToken        string     `json:"user_token"`
	Status           string     `json:"status"`
	ReasonCode       string     `json:"reason_code"`
	Channel          string     `json:"channel"`
	CreatedTime      *time.Time `json:"created_time,omitempty"`
	LastModifiedTime *time.Time `json:"last_modified_time,omitempty"`
}

func (t *UserTransition) Validate() error {
	if t.UserToken == "" {
		return malformed("user transition", "user_token")
	}
	if t.Status == "" {
		return malformed("user transition", "status")
	}
	return nil
}

// KYCCode is a single reason code attached to a KYC outcome.
type KYCCode struct {
	Code string `json:"code"`
}

// KYCOutcome is the decision part of a KYC result.
type KYCOutcome struct {
	Status string    `json:"status"`
	Codes  []KYCCode `json:"codes,omitempty"`
}

// KYCResult is the remote KYC resource.
type KYCResult struct {
	Token            string     `json:"token"`
	UserToken        string     `json:"user_token"`
	Result           KYCOutcome `json:"result"`
	CreatedTime      *time.Time `json:"created_time,omitempty"`
	LastModifiedTime *time.Time `json:"last_modified_time,omitempty"`
}

func (k *KYCResult) Validate() error {
	if k.UserToken == "" {
		return malformed("kyc", "user_token")
	}
	if k.Result.Status == "" {
		return malformed("kyc", "result.status")
	}
	return nil
}

// KYCRequest asks the platform to run KYC for a person.
type KYCRequest struct {
	Token          string `json:"token,omitempty"`
	UserToken      string `json:"user_token"`
	ManualOverride bool   `json:"manual_override,omitempty"`
}

// Card is the remote card resource.
type Card struct {
	Token             string     `json:"token"`
	UserToken         string     `json:"user_token"`
	CardProductToken  string     `json:"card_product_token,omitempty"`
	State             string     `json:"state"`
	InstrumentType    string     `json:"instrument_type"`
	FulfillmentStatus *string    `json:"fulfillment_status,omitempty"`
	LastFour          *string    `json:"last_four,omitempty"`
	Expiration        *string    `json:"expiration,omitempty"`
	CreatedTime       *time.Time `json:"created_time,omitempty"`
	LastModifiedTime  *time.Time `json:"last_modified_time,omitempty"`
}

func (c *Card) Validate() error {
	if c.Token == "" {
		return malformed("card", "token")
	}
	if c.UserToken == "" {
		return malformed("card", "user_token")
	}
	if c.State == "" {
		return malformed("card", "state")
	}
	return nil
}

// CardRequest is the body of a card create.
type CardRequest struct {
	Token            string `json:"token,omitempty"`
	UserToken        string `json:"user_token"`
	CardProductToken string `json:"card_product_token"`
}

// CardTransitionRequest moves a card to a new state.
type CardTransitionRequest struct {
	Token      string `json:"token,omitempty"`
	CardToken  string `json:"card_token"`
	State      string `json:"state"`
	ReasonCode string `json:"reason_code"`
	Reason     string `json:"reason,omitempty"`
	Channel    string `json:"channel"`
}

// CardTransition is a card state change, either returned from a transition
// request or pushed through a webhook.
type CardTransition struct {
	Token             string     `json:"token"`
	CardToken         string     `json:"card_token"`
	UserToken         string     `json:"user_token,omitempty"`
	State             string     `json:"state"`
	ReasonCode        string     `json:"reason_code,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	Channel           string     `json:"channel,omitempty"`
	FulfillmentStatus *string    `json:"fulfillment_status,omitempty"`
	CreatedTime       *time.Time `json:"created_time,omitempty"`
	LastModifiedTime  *time.Time `json:"last_modified_time,omitempty"`
}

func (t *CardTransition) Validate() error {
	if t.CardToken == "" {
		return malformed("card transition", "card_token")
	}
	if t.State == "" {
		return malformed("card transition", "state")
	}
	return nil
}

// DepositAccount is the remote direct-deposit account resource.
type DepositAccount struct {
	Token            string     `json:"token"`
	UserToken        string     `json:"user_token"`
	AccountNumber    *string    `json:"account_number,omitempty"`
	RoutingNumber    *string    `json:"routing_number,omitempty"`
	State            string     `json:"state"`
	CreatedTime      *time.Time `json:"created_time,omitempty"`
	LastModifiedTime *time.Time `json:"last_modified_time,omitempty"`
}

func (d *DepositAccount) Validate() error {
	if d.Token == "" {
		return malformed("deposit account", "token")
	}
	if d.UserToken == "" {
		return malformed("deposit account", "user_token")
	}
	if d.State == "" {
		return malformed("deposit account", "state")
	}
	return nil
}

// DepositAccountRequest is the body of a deposit account create.
type DepositAccountRequest struct {
	Token     string `json:"token,omitempty"`
	UserToken string `json:"user_token"`
}

// DepositAccountTransitionRequest moves a deposit account to a new state.
type DepositAccountTransitionRequest struct {
	Token        string `json:"token,omitempty"`
	AccountToken string `json:"account_token"`
	State        string `json:"state"`
	Reason       string `json:"reason"`
	Channel      string `json:"channel"`
}

// DepositAccountTransition is a deposit account state change.
type DepositAccountTransition struct {
	Token            string     `json:"token"`
	AccountToken     string     `json:"account_token"`
	UserToken        string     `json:"user_token"`
	State            string     `json:"state"`
	Reason           string     `json:"reason,omitempty"`
	Channel          string     `json:"channel,omitempty"`
	CreatedTime      *time.Time `json:"created_time,omitempty"`
	LastModifiedTime *time.Time `json:"last_modified_time,omitempty"`
}

func (t *DepositAccountTransition) Validate() error {
	if t.AccountToken == "" {
		return malformed("deposit account transition", "account_token")
	}
	if t.State == "" {
		return malformed("deposit account transition", "state")
	}
	return nil
}

// Transaction is the remote transaction resource.
type Transaction struct {
	Token                            string               `json:"token"`
	Type                             string               `json:"type"`
	State                            string               `json:"state"`
	UserToken                        string               `json:"user_token,omitempty"`
	CardToken                        *string              `json:"card_token,omitempty"`
	Amount                           decimal.Decimal      `json:"amount"`
	CurrencyCode                     string               `json:"currency_code,omitempty"`
	PrecedingRelatedTransactionToken *string              `json:"preceding_related_transaction_token,omitempty"`
	Merchant                         *TransactionMerchant `json:"card_acceptor,omitempty"`
	UserTransactionTime              *time.Time           `json:"user_transaction_time,omitempty"`
	SettlementDate                   *time.Time           `json:"settlement_date,omitempty"`
	CreatedTime                      *time.Time           `json:"created_time,omitempty"`
	LastModifiedTime                 *time.Time           `json:"last_modified_time,omitempty"`
}

// TransactionMerchant is the card acceptor attached to a card transaction.
type TransactionMerchant struct {
	MID  string `json:"mid,omitempty"`
	Name string `json:"name,omitempty"`
	MCC  string `json:"mcc,omitempty"`
}

func (t *Transaction) Validate() error {
	if t.Token == "" {
		return malformed("transaction", "token")
	}
	if t.Type == "" {
		return malformed("transaction", "type")
	}
	if t.State == "" {
		return malformed("transaction", "state")
	}
	return nil
}

// TransactionQuery is the time-windowed transaction listing key.
type TransactionQuery struct {
	UserToken string
	CardToken string
	Start     time.Time
	End       time.Time
}

// Filters renders the query as list filters.
func (q TransactionQuery) Filters() map[string]string {
	f := map[string]string{}
	if q.UserToken != "" {
		f["user_token"] = q.UserToken
	}
	if q.CardToken != "" {
		f["card_token"] = q.CardToken
	}
	if !q.Start.IsZero() {
		f["start_date"] = q.Start.UTC().Format("2006-01-02T15:04:05Z")
	}
	if !q.End.IsZero() {
		f["end_date"] = q.End.UTC().Format("2006-01-02T15:04:05Z")
	}
	return f
}

// SimulationRequest drives the sandbox transaction simulator.
type SimulationRequest struct {
	CardToken                        string          `json:"card_token,omitempty"`
	Amount                           decimal.Decimal `json:"amount"`
	MID                              string          `json:"mid,omitempty"`
	PrecedingRelatedTransactionToken string          `json:"preceding_related_transaction_token,omitempty"`
}

// SimulationResponse wraps the transaction produced by a simulation.
type SimulationResponse struct {
	Transaction Transaction `json:"transaction"`
}

func (s *SimulationResponse) Validate() error {
	return s.Transaction.Validate()
}

// Balance is the general purpose account balance of a person.
type Balance struct {
	CurrencyCode     string          `json:"currency_code"`
	LedgerBalance    decimal.Decimal `json:"ledger_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	PendingCredits   decimal.Decimal `json:"pending_credits"`
	LastUpdatedTime  *time.Time      `json:"last_updated_time,omitempty"`
}

// BalanceResponse is the body of a balance lookup.
type BalanceResponse struct {
	GPA Balance `json:"gpa"`
}

func (b *BalanceResponse) Validate() error {
	if b.GPA.CurrencyCode == "" {
		return malformed("balance", "gpa.currency_code")
	}
	return nil
}

// GPAOrderRequest funds a person's general purpose account.
type GPAOrderRequest struct {
	Token              string          `json:"token,omitempty"`
	UserToken          string          `json:"user_token"`
	Amount             decimal.Decimal `json:"amount"`
	CurrencyCode       string          `json:"currency_code"`
	FundingSourceToken string          `json:"funding_source_token"`
}

// GPAOrder is the result of a funding request.
type GPAOrder struct {
	Token        string          `json:"token"`
	UserToken    string          `json:"user_token"`
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code"`
	State        string          `json:"state"`
	CreatedTime  *time.Time      `json:"created_time,omitempty"`
}

func (o *GPAOrder) Validate() error {
	if o.Token == "" {
		return malformed("gpa order", "token")
	}
	return nil
}

// ChargebackTransition is a chargeback lifecycle event.
type ChargebackTransition struct {
	Token            string           `json:"token"`
	ChargebackToken  string           `json:"chargeback_token,omitempty"`
	TransactionToken string           `json:"transaction_token"`
	State            string           `json:"state"`
	ReasonCode       string           `json:"reason_code,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	CreatedTime      *time.Time       `json:"created_time,omitempty"`
	LastModifiedTime *time.Time       `json:"last_modified_time,omitempty"`
}

func (t *ChargebackTransition) Validate() error {
	if t.TransactionToken == "" {
		return malformed("chargeback transition", "transaction_token")
	}
	if t.State == "" {
		return malformed("chargeback transition", "state")
	}
	return nil
}

// Timestamp picks the most specific modification time a remote resource
// reports, falling back to its creation time.
func Timestamp(lastModified, created *time.Time) time.Time {
	if lastModified != nil && !lastModified.IsZero() {
		return lastModified.UTC()
	}
	if created != nil && !created.IsZero() {
		return created.UTC()
	}
	return time.Time{}
}
