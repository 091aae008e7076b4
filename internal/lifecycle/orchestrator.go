// Package lifecycle runs the multi-step workflows that change a person's
// standing on the issuing platform: onboarding, closure and deposit account
// provisioning. Every step is recorded in saga_steps so an interrupted run can
// be resumed; nothing is rolled back.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/example/issuer-sync/internal/cards"
	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/store"
)

// Saga names.
const (
	SagaOnboard = "onboard"
	SagaClose   = "close"
)

// Onboarding steps.
const (
	StepLookupPerson = "lookup_person"
	StepUpsertPerson = "upsert_person"
	StepProcessKYC   = "process_kyc"
	StepIssueCard    = "issue_card"
)

// Closure steps, in order.
const (
	StepTerminateCards = "terminate_cards"
	StepClosePerson    = "close_person"
	StepScrubContacts  = "scrub_contacts"
)

var (
	// ErrAccountClosed is returned when a workflow targets a closed account.
	ErrAccountClosed = errors.New("account is closed")
	// ErrNotOnboarded is returned when an account has no remote person yet.
	ErrNotOnboarded = errors.New("account has no remote person")
	// ErrClosureNotConfirmed is returned while the platform has not yet
	// reported the person as CLOSED.
	ErrClosureNotConfirmed = errors.New("person closure not confirmed")
)

// StepError names the saga step that failed.
type StepError struct {
	AccountID string
	Saga      string
	Step      string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s saga for account %s failed at %s: %v", e.Saga, e.AccountID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Remote is the part of the issuer client the workflows need.
type Remote interface {
	LookupUserByEmail(ctx context.Context, email string) (*issuer.User, error)
	CreateUser(ctx context.Context, req issuer.UserRequest) (*issuer.User, error)
	UpdateUser(ctx context.Context, token string, req issuer.UserRequest) (*issuer.User, error)
	GetUser(ctx context.Context, token string) (*issuer.User, error)
	TransitionUser(ctx context.Context, req issuer.UserTransitionRequest) (*issuer.UserTransition, error)
	ProcessKYC(ctx context.Context, req issuer.KYCRequest) (*issuer.KYCResult, error)
	ListKYC(ctx context.Context, userToken string, params issuer.ListParams) (*issuer.Page[issuer.KYCResult], error)
	CreateCard(ctx context.Context, req issuer.CardRequest) (*issuer.Card, error)
	CreateDepositAccount(ctx context.Context, req issuer.DepositAccountRequest) (*issuer.DepositAccount, error)
	GetDepositAccount(ctx context.Context, token string) (*issuer.DepositAccount, error)
	TransitionDepositAccount(ctx context.Context, req issuer.DepositAccountTransitionRequest) (*issuer.DepositAccountTransition, error)
}

// CardTransitioner performs local card state changes.
type CardTransitioner interface {
	Transition(ctx context.Context, req cards.TransitionRequest) (*cards.TransitionResult, error)
}

// Config holds product settings for the workflows.
type Config struct {
	CardProductToken string
}

// Orchestrator runs lifecycle workflows.
type Orchestrator struct {
	store    *store.Store
	remote   Remote
	cards    CardTransitioner
	cfg      Config
	logger   *slog.Logger
	newToken func() string
}

// New creates an orchestrator.
func New(st *store.Store, remote Remote, transitioner CardTransitioner, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		remote:   remote,
		cards:    transitioner,
		cfg:      cfg,
		logger:   logger.With("component", "lifecycle"),
		newToken: uuid.NewString,
	}
}

// step runs fn as a recorded saga step. A failure is recorded even when ctx
// has been cancelled.
func (o *Orchestrator) step(ctx context.Context, accountID, saga, name string, fn func(ctx context.Context) (string, error)) error {
	if err := o.store.MarkStep(ctx, accountID, saga, name, store.StepRunning, ""); err != nil {
		return &StepError{AccountID: accountID, Saga: saga, Step: name, Err: err}
	}
	detail, err := fn(ctx)
	if err != nil {
		if markErr := o.store.MarkStep(context.WithoutCancel(ctx), accountID, saga, name, store.StepFailed, err.Error()); markErr != nil {
			o.logger.Error("failed to record step failure", "account_id", accountID, "saga", saga, "step", name, "error", markErr)
		}
		o.logger.Warn("saga step failed", "account_id", accountID, "saga", saga, "step", name, "error", err)
		return &StepError{AccountID: accountID, Saga: saga, Step: name, Err: err}
	}
	if err := o.store.MarkStep(ctx, accountID, saga, name, store.StepDone, detail); err != nil {
		return &StepError{AccountID: accountID, Saga: saga, Step: name, Err: err}
	}
	return nil
}

func (o *Orchestrator) activeAccount(ctx context.Context, accountID string) (*store.Account, error) {
	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status != store.AccountActive {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountClosed)
	}
	return account, nil
}

// latestKYC returns the most recent KYC result of a person, or nil.
func (o *Orchestrator) latestKYC(ctx context.Context, personToken string) (*issuer.KYCResult, error) {
	page, err := o.remote.ListKYC(ctx, personToken, issuer.ListParams{Count: 1, SortBy: "-createdTime"})
	if err != nil {
		return nil, fmt.Errorf("list kyc of %s: %w", personToken, err)
	}
	if len(page.Data) == 0 {
		return nil, nil
	}
	return &page.Data[0], nil
}
