package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// PersonStatus is the lifecycle status of a remote person.
type PersonStatus string

const (
	PersonUnverified PersonStatus = "UNVERIFIED"
	PersonLimited    PersonStatus = "LIMITED"
	PersonActive     PersonStatus = "ACTIVE"
	PersonSuspended  PersonStatus = "SUSPENDED"
	PersonClosed     PersonStatus = "CLOSED"
)

// KYCStatus is the local view of a KYC decision.
type KYCStatus string

const (
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
	KYCPending  KYCStatus = "pending"
)

// CardState is the state of a card. Deposit accounts share the same set.
type CardState string

const (
	StateUnactivated CardState = "UNACTIVATED"
	StateActive      CardState = "ACTIVE"
	StateSuspended   CardState = "SUSPENDED"
	StateTerminated  CardState = "TERMINATED"
)

// Instrument is the product class of a card.
type Instrument string

const (
	InstrumentVirtual  Instrument = "virtual"
	InstrumentPhysical Instrument = "physical"
)

// TxType is the local transaction taxonomy.
type TxType string

const (
	TxDebit      TxType = "debit"
	TxCredit     TxType = "credit"
	TxDeposit    TxType = "deposit"
	TxAdjustment TxType = "adjustment"
)

// Settlement is the settlement state of a transaction.
type Settlement string

const (
	SettlementPending  Settlement = "pending"
	SettlementCleared  Settlement = "cleared"
	SettlementDeclined Settlement = "declined"
	SettlementReversed Settlement = "reversed"
)

// Account statuses.
const (
	AccountActive = "active"
	AccountClosed = "closed"
)

// Account is an application user. PersonToken is set at most once and is
// frozen, not cleared, when the account closes.
type Account struct {
	ID          string
	Email       string
	FirstName   *string
	LastName    *string
	Phone       *string
	PersonToken *string
	Status      string
	LowBalance  bool
	// AvailableBalance is the last balance seen by the low-balance sweep.
	AvailableBalance *decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Identity holds the identity attributes of a person. Nil fields were absent
// remotely.
type Identity struct {
	FirstName          *string `json:"firstName,omitempty"`
	LastName           *string `json:"lastName,omitempty"`
	Email              *string `json:"email,omitempty"`
	Phone              *string `json:"phone,omitempty"`
	Address1           *string `json:"address1,omitempty"`
	Address2           *string `json:"address2,omitempty"`
	City               *string `json:"city,omitempty"`
	State              *string `json:"state,omitempty"`
	PostalCode         *string `json:"postalCode,omitempty"`
	Country            *string `json:"country,omitempty"`
	BirthDate          *string `json:"birthDate,omitempty"`
	IdentificationHash *string `json:"identificationHash,omitempty"`
}

// Person is the cached projection of a remote person.
type Person struct {
	Token     string
	AccountID string
	Status    PersonStatus
	// KYCStatus is nil until the platform has decided at least once.
	KYCStatus       *KYCStatus
	KYCCodes        []string
	Identity        Identity
	Integration     map[string]any
	RemoteUpdatedAt time.Time
	Version         int64
}

// Card is the cached projection of a remote card.
type Card struct {
	Token           string
	AccountID       string
	PersonToken     string
	Instrument      Instrument
	State           CardState
	Fulfillment     *string
	LastFour        *string
	Expiration      *string
	Integration     map[string]any
	RemoteUpdatedAt time.Time
	Version         int64
}

// DepositAccount is the cached projection of a remote deposit account.
type DepositAccount struct {
	ID            string
	Token         string
	AccountID     string
	PersonToken   string
	AccountNumber *string
	RoutingNumber *string
	State         CardState
	// SupersededBy names the row that won a concurrent provisioning race.
	SupersededBy *string
	// CompensationPending is set while a superseded account may still be
	// ACTIVE on the platform.
	CompensationPending bool
	Integration         map[string]any
	RemoteUpdatedAt     time.Time
	Version             int64
}

// Transaction is the cached projection of a remote transaction.
type Transaction struct {
	Token           string
	PersonToken     string
	CardToken       *string
	Type            TxType
	RemoteType      string
	Settlement      Settlement
	Amount          decimal.Decimal
	Currency        string
	PrecedingToken  *string
	MerchantName    *string
	OccurredAt      *time.Time
	Integration     map[string]any
	RemoteUpdatedAt time.Time
	Version         int64
}

// Chargeback is the cached projection of a dispute on a transaction.
type Chargeback struct {
	Token            string
	TransactionToken string
	State            string
	ReasonCode       *string
	Amount           *decimal.Decimal
	Integration      map[string]any
	RemoteUpdatedAt  time.Time
	Version          int64
}

// CardTransitionRecord is one entry of the hash-chained card journal.
type CardTransitionRecord struct {
	ID         string
	CardToken  string
	Seq        int64
	FromState  CardState
	ToState    CardState
	ReasonCode string
	Channel    string
	Source     string
	CreatedBy  string
	PrevHash   string
	Hash       string
	CreatedAt  time.Time
}

// Saga step statuses.
const (
	StepRunning = "running"
	StepDone    = "done"
	StepFailed  = "failed"
)

// SagaStep is the durable record of one step of a multi-step workflow.
type SagaStep struct {
	AccountID string
	Saga      string
	Step      string
	Status    string
	Detail    string
	UpdatedAt time.Time
}

// Saga is a workflow run that has not necessarily finished.
type Saga struct {
	AccountID string
	Name      string
	Status    string
	Input     string
	StartedAt time.Time
	UpdatedAt time.Time
}
