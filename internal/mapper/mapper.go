package mapper

import (
	"fmt"
	"strings"

	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/store"
)

// Applicant is the locally collected identity submitted at onboarding.
type Applicant struct {
	FirstName          string
	LastName           string
	Email              string
	Phone              string
	Address1           string
	Address2           string
	City               string
	State              string
	PostalCode         string
	Country            string
	BirthDate          string
	IdentificationHash string
	// Metadata holds free-form camelCase attributes forwarded to the remote
	// person's metadata.
	Metadata map[string]string
}

// UserRequestFromApplicant builds the remote create body. The token is chosen
// by the caller so a retried create stays idempotent.
func UserRequestFromApplicant(token, accountID string, a Applicant) issuer.UserRequest {
	req := UserUpdateFromApplicant(accountID, a)
	req.Token = token
	return req
}

// UserUpdateFromApplicant builds the remote update body.
func UserUpdateFromApplicant(accountID string, a Applicant) issuer.UserRequest {
	return issuer.UserRequest{
		FirstName:          a.FirstName,
		LastName:           a.LastName,
		Email:              strings.ToLower(strings.TrimSpace(a.Email)),
		Phone:              a.Phone,
		Address1:           a.Address1,
		Address2:           a.Address2,
		City:               a.City,
		State:              a.State,
		PostalCode:         a.PostalCode,
		Country:            a.Country,
		BirthDate:          a.BirthDate,
		IdentificationHash: a.IdentificationHash,
		Metadata:           remoteMetadata(accountID, a.Metadata),
	}
}

// remoteMetadata renders local metadata with snake_case keys. The account id
// always wins over a caller-supplied key of the same name.
func remoteMetadata(accountID string, local map[string]string) map[string]string {
	in := make(map[string]any, len(local)+1)
	for k, v := range local {
		if issuer.ToSnake(k) != "account_id" {
			in[k] = v
		}
	}
	in["accountId"] = accountID
	out := make(map[string]string, len(in))
	for k, v := range issuer.SnakeKeys(in) {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// PersonFromRemote maps a remote user and, when known, its latest KYC result.
// The record's remote time is the later of the two.
func PersonFromRemote(accountID string, u issuer.User, kyc *issuer.KYCResult) (store.Person, error) {
	status, err := PersonStatus(u.Status)
	if err != nil {
		return store.Person{}, err
	}
	p := store.Person{
		Token:     u.Token,
		AccountID: accountID,
		Status:    status,
		Identity: store.Identity{
			FirstName:          u.FirstName,
			LastName:           u.LastName,
			Email:              u.Email,
			Phone:              u.Phone,
			Address1:           u.Address1,
			Address2:           u.Address2,
			City:               u.City,
			State:              u.State,
			PostalCode:         u.PostalCode,
			Country:            u.Country,
			BirthDate:          u.BirthDate,
			IdentificationHash: u.IdentificationHash,
		},
		RemoteUpdatedAt: issuer.Timestamp(u.LastModifiedTime, u.CreatedTime),
	}
	if p.Integration, err = issuer.Raw(u); err != nil {
		return store.Person{}, fmt.Errorf("person %s: %w", u.Token, err)
	}
	if kyc != nil {
		ks, err := KYCStatus(kyc.Result.Status)
		if err != nil {
			return store.Person{}, err
		}
		p.KYCStatus = &ks
		for _, c := range kyc.Result.Codes {
			p.KYCCodes = append(p.KYCCodes, c.Code)
		}
		raw, err := issuer.Raw(kyc)
		if err != nil {
			return store.Person{}, fmt.Errorf("person %s kyc: %w", u.Token, err)
		}
		p.Integration["kyc"] = raw
		if ts := issuer.Timestamp(kyc.LastModifiedTime, kyc.CreatedTime); ts.After(p.RemoteUpdatedAt) {
			p.RemoteUpdatedAt = ts
		}
	}
	return p, nil
}

// CardRequest builds the remote card create body.
func CardRequest(token, personToken, productToken string) issuer.CardRequest {
	return issuer.CardRequest{Token: token, UserToken: personToken, CardProductToken: productToken}
}

// CardFromRemote maps a remote card owned by the given account.
func CardFromRemote(accountID string, c issuer.Card) (store.Card, error) {
	state, err := CardState(c.State)
	if err != nil {
		return store.Card{}, err
	}
	inst, err := Instrument(c.InstrumentType)
	if err != nil {
		return store.Card{}, err
	}
	integration, err := issuer.Raw(c)
	if err != nil {
		return store.Card{}, fmt.Errorf("card %s: %w", c.Token, err)
	}
	return store.Card{
		Token:           c.Token,
		AccountID:       accountID,
		PersonToken:     c.UserToken,
		Instrument:      inst,
		State:           state,
		Fulfillment:     c.FulfillmentStatus,
		LastFour:        c.LastFour,
		Expiration:      c.Expiration,
		Integration:     integration,
		RemoteUpdatedAt: issuer.Timestamp(c.LastModifiedTime, c.CreatedTime),
	}, nil
}

// CardFromTransition applies a pushed transition to the stored card. Fields
// the event does not carry keep their stored values.
func CardFromTransition(current store.Card, t issuer.CardTransition) (store.Card, error) {
	state, err := CardState(t.State)
	if err != nil {
		return store.Card{}, err
	}
	raw, err := issuer.Raw(t)
	if err != nil {
		return store.Card{}, fmt.Errorf("card transition %s: %w", t.Token, err)
	}
	next := current
	next.State = state
	if t.FulfillmentStatus != nil {
		next.Fulfillment = t.FulfillmentStatus
	}
	next.Integration = merge(current.Integration, "lastTransition", raw)
	next.RemoteUpdatedAt = issuer.Timestamp(t.LastModifiedTime, t.CreatedTime)
	return next, nil
}

// DepositAccountFromRemote maps a remote deposit account.
func DepositAccountFromRemote(accountID string, d issuer.DepositAccount) (store.DepositAccount, error) {
	state, err := DepositAccountState(d.State)
	if err != nil {
		return store.DepositAccount{}, err
	}
	integration, err := issuer.Raw(d)
	if err != nil {
		return store.DepositAccount{}, fmt.Errorf("deposit account %s: %w", d.Token, err)
	}
	return store.DepositAccount{
		Token:           d.Token,
		AccountID:       accountID,
		PersonToken:     d.UserToken,
		AccountNumber:   d.AccountNumber,
		RoutingNumber:   d.RoutingNumber,
		State:           state,
		Integration:     integration,
		RemoteUpdatedAt: issuer.Timestamp(d.LastModifiedTime, d.CreatedTime),
	}, nil
}

// DepositAccountFromTransition applies a pushed transition to the stored
// deposit account.
func DepositAccountFromTransition(current store.DepositAccount, t issuer.DepositAccountTransition) (store.DepositAccount, error) {
	state, err := DepositAccountState(t.State)
	if err != nil {
		return store.DepositAccount{}, err
	}
	raw, err := issuer.Raw(t)
	if err != nil {
		return store.DepositAccount{}, fmt.Errorf("deposit account transition %s: %w", t.Token, err)
	}
	next := current
	next.State = state
	next.Integration = merge(current.Integration, "lastTransition", raw)
	next.RemoteUpdatedAt = issuer.Timestamp(t.LastModifiedTime, t.CreatedTime)
	return next, nil
}

// TransactionFromRemote maps a remote transaction.
func TransactionFromRemote(t issuer.Transaction) (store.Transaction, error) {
	typ, err := TransactionType(t.Type)
	if err != nil {
		return store.Transaction{}, err
	}
	settlement, err := SettlementState(t.Type, t.State)
	if err != nil {
		return store.Transaction{}, err
	}
	integration, err := issuer.Raw(t)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("transaction %s: %w", t.Token, err)
	}
	currency := t.CurrencyCode
	if currency == "" {
		currency = "USD"
	}
	tx := store.Transaction{
		Token:           t.Token,
		PersonToken:     t.UserToken,
		CardToken:       t.CardToken,
		Type:            typ,
		RemoteType:      t.Type,
		Settlement:      settlement,
		Amount:          t.Amount,
		Currency:        currency,
		PrecedingToken:  t.PrecedingRelatedTransactionToken,
		OccurredAt:      t.UserTransactionTime,
		Integration:     integration,
		RemoteUpdatedAt: issuer.Timestamp(t.LastModifiedTime, t.CreatedTime),
	}
	if t.Merchant != nil && t.Merchant.Name != "" {
		name := t.Merchant.Name
		tx.MerchantName = &name
	}
	return tx, nil
}

// ChargebackFromRemote maps a chargeback event. Events without their own
// chargeback token are keyed by the disputed transaction.
func ChargebackFromRemote(t issuer.ChargebackTransition) (store.Chargeback, error) {
	state, err := ChargebackState(t.State)
	if err != nil {
		return store.Chargeback{}, err
	}
	integration, err := issuer.Raw(t)
	if err != nil {
		return store.Chargeback{}, fmt.Errorf("chargeback %s: %w", t.Token, err)
	}
	token := t.ChargebackToken
	if token == "" {
		token = t.TransactionToken
	}
	cb := store.Chargeback{
		Token:            token,
		TransactionToken: t.TransactionToken,
		State:            string(state),
		Amount:           t.Amount,
		Integration:      integration,
		RemoteUpdatedAt:  issuer.Timestamp(t.LastModifiedTime, t.CreatedTime),
	}
	if t.ReasonCode != "" {
		code := t.ReasonCode
		cb.ReasonCode = &code
	}
	return cb, nil
}

func merge(base map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}
