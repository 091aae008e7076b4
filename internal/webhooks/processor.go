// Package webhooks applies events pushed by the issuing platform. Deliveries
// are at-least-once and unordered, so every event goes through the same
// timestamp-ordered compare-and-set as the reconciliation jobs.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/example/issuer-sync/internal/cards"
	"github.com/example/issuer-sync/internal/disputes"
	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/security"
	"github.com/example/issuer-sync/internal/store"
)

var (
	// ErrNoOwner is returned when a fetched resource belongs to a person no
	// local account is bound to.
	ErrNoOwner = errors.New("no local account owns the resource")
	// ErrInvalidEvent is returned for an event that fails validation.
	ErrInvalidEvent = errors.New("invalid webhook event")
)

// Remote fetches the authoritative copy of a resource an event refers to.
type Remote interface {
	GetCard(ctx context.Context, token string) (*issuer.Card, error)
	GetDepositAccount(ctx context.Context, token string) (*issuer.DepositAccount, error)
	GetTransaction(ctx context.Context, token string) (*issuer.Transaction, error)
}

// Journal records observed card transitions.
type Journal interface {
	Record(ctx context.Context, rec store.CardTransitionRecord) (*store.CardTransitionRecord, error)
}

// Processor applies webhook events to the local store.
type Processor struct {
	store   *store.Store
	remote  Remote
	journal Journal
	logger  *slog.Logger

	validators map[string]*security.JSONSchemaValidator
}

// NewProcessor compiles the event schemas and returns a processor.
func NewProcessor(st *store.Store, remote Remote, journal Journal, logger *slog.Logger) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		store:      st,
		remote:     remote,
		journal:    journal,
		logger:     logger.With("component", "webhooks"),
		validators: map[string]*security.JSONSchemaValidator{},
	}
	for kind, schema := range map[string]string{
		EventDepositAccountTransitions: depositAccountTransitionSchema,
		EventCardTransitions:           cardTransitionSchema,
		EventChargebackTransitions:     chargebackTransitionSchema,
	} {
		v, err := security.NewJSONSchemaValidator(schema)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		p.validators[kind] = v
	}
	return p, nil
}

// Summary counts what a delivery did.
type Summary struct {
	Received  int `json:"received"`
	Applied   int `json:"applied"`
	Unchanged int `json:"unchanged"`
	Stale     int `json:"stale"`
	Rejected  int `json:"rejected"`
	Ignored   int `json:"ignored"`
	Failed    int `json:"failed"`
}

// Retry reports whether the platform must redeliver the batch.
func (s Summary) Retry() bool { return s.Failed > 0 }

// Dispatch applies every event of a batch envelope. Events that cannot be
// applied now but may succeed later are counted as Failed; the batch is then
// redelivered as a whole, which is safe because each event is idempotent.
func (p *Processor) Dispatch(ctx context.Context, body []byte) (Summary, error) {
	var envelope map[string][]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Summary{}, fmt.Errorf("%w: envelope: %v", ErrInvalidEvent, err)
	}

	kinds := make([]string, 0, len(envelope))
	for kind := range envelope {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var sum Summary
	for _, kind := range kinds {
		for _, raw := range envelope[kind] {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			sum.Received++
			change, err := p.apply(ctx, kind, raw)
			p.tally(ctx, &sum, kind, change, err)
		}
	}
	return sum, nil
}

func (p *Processor) apply(ctx context.Context, kind string, raw json.RawMessage) (store.Change, error) {
	v, ok := p.validators[kind]
	if !ok {
		return store.Change{}, errUnsubscribed
	}
	if err := v.Validate(raw); err != nil {
		return store.Change{}, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, kind, err)
	}

	switch kind {
	case EventDepositAccountTransitions:
		var ev issuer.DepositAccountTransition
		if err := json.Unmarshal(raw, &ev); err != nil {
			return store.Change{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return p.HandleDepositAccountTransition(ctx, ev)
	case EventCardTransitions:
		var ev issuer.CardTransition
		if err := json.Unmarshal(raw, &ev); err != nil {
			return store.Change{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return p.HandleCardTransition(ctx, ev)
	default:
		var ev issuer.ChargebackTransition
		if err := json.Unmarshal(raw, &ev); err != nil {
			return store.Change{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return p.HandleChargebackTransition(ctx, ev)
	}
}

var errUnsubscribed = errors.New("event type not handled")

func (p *Processor) tally(ctx context.Context, sum *Summary, kind string, change store.Change, err error) {
	log := security.Logger(ctx, p.logger)
	switch {
	case err == nil:
		switch change.Outcome {
		case store.OutcomeInserted, store.OutcomeUpdated:
			sum.Applied++
		case store.OutcomeUnchanged:
			sum.Unchanged++
		case store.OutcomeStale:
			sum.Stale++
			log.Info("stale event ignored", "event", kind, "stored_state", change.From)
		}
	case errors.Is(err, errUnsubscribed):
		sum.Ignored++
		log.Debug("unhandled event type", "event", kind)
	case acknowledged(err):
		sum.Rejected++
		log.Warn("event rejected", "event", kind, "error", err)
	default:
		sum.Failed++
		if errors.Is(err, mapper.ErrUnknownEnum) {
			log.Error("event carries an unknown enum value", "event", kind, "error", err)
			return
		}
		log.Warn("event failed, awaiting redelivery", "event", kind, "error", err)
	}
}

// acknowledged reports errors redelivery cannot fix: invariant violations,
// invalid events and references nothing local can own.
func acknowledged(err error) bool {
	var invalid *disputes.InvalidStateTransitionError
	switch {
	case errors.Is(err, store.ErrTerminalState),
		errors.Is(err, store.ErrDuplicateActive),
		errors.As(err, &invalid),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrNoOwner),
		issuer.IsValidation(err):
		return true
	}
	return false
}

// HandleCardTransition applies a card state or fulfillment change.
func (p *Processor) HandleCardTransition(ctx context.Context, ev issuer.CardTransition) (store.Change, error) {
	current, err := p.store.GetCard(ctx, ev.CardToken)
	if errors.Is(err, store.ErrNotFound) {
		current, err = p.fetchCard(ctx, ev.CardToken)
	}
	if err != nil {
		return store.Change{}, err
	}

	next, err := mapper.CardFromTransition(*current, ev)
	if err != nil {
		return store.Change{}, err
	}
	if next.RemoteUpdatedAt.IsZero() {
		return store.Change{}, fmt.Errorf("%w: card transition %s has no timestamp", ErrInvalidEvent, ev.Token)
	}
	change, err := p.store.UpsertCard(ctx, next)
	if err != nil {
		return change, fmt.Errorf("card %s: %w", ev.CardToken, err)
	}
	if change.Outcome.Applied() && change.From != string(next.State) {
		if _, err := p.journal.Record(ctx, store.CardTransitionRecord{
			CardToken:  next.Token,
			FromState:  store.CardState(change.From),
			ToState:    next.State,
			ReasonCode: ev.ReasonCode,
			Channel:    ev.Channel,
			Source:     cards.SourceWebhook,
			CreatedBy:  "issuer",
			CreatedAt:  next.RemoteUpdatedAt,
		}); err != nil {
			return change, err
		}
	}
	p.logger.Info("card event applied",
		"card_token", ev.CardToken, "state", next.State, "outcome", change.Outcome.String())
	return change, nil
}

func (p *Processor) fetchCard(ctx context.Context, token string) (*store.Card, error) {
	remote, err := p.remote.GetCard(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("fetch unknown card %s: %w", token, err)
	}
	account, err := p.owner(ctx, remote.UserToken)
	if err != nil {
		return nil, fmt.Errorf("card %s: %w", token, err)
	}
	c, err := mapper.CardFromRemote(account.ID, *remote)
	if err != nil {
		return nil, err
	}
	if _, err := p.store.UpsertCard(ctx, c); err != nil {
		return nil, fmt.Errorf("store fetched card %s: %w", token, err)
	}
	p.logger.Info("unknown card fetched from platform", "card_token", token, "account_id", account.ID)
	p.logger.Debug("fetched card payload", "card_token", token, "integration", security.MaskPII(c.Integration))
	return p.store.GetCard(ctx, token)
}

// HandleDepositAccountTransition applies a deposit account state change.
func (p *Processor) HandleDepositAccountTransition(ctx context.Context, ev issuer.DepositAccountTransition) (store.Change, error) {
	current, err := p.store.GetDepositAccount(ctx, ev.AccountToken)
	if errors.Is(err, store.ErrNotFound) {
		current, err = p.fetchDepositAccount(ctx, ev.AccountToken)
	}
	if err != nil {
		return store.Change{}, err
	}

	next, err := mapper.DepositAccountFromTransition(*current, ev)
	if err != nil {
		return store.Change{}, err
	}
	if next.RemoteUpdatedAt.IsZero() {
		return store.Change{}, fmt.Errorf("%w: deposit account transition %s has no timestamp", ErrInvalidEvent, ev.Token)
	}
	change, err := p.store.UpsertDepositAccount(ctx, next)
	if err != nil {
		return change, fmt.Errorf("deposit account %s: %w", ev.AccountToken, err)
	}
	p.logger.Info("deposit account event applied",
		"account_token", ev.AccountToken, "state", next.State, "outcome", change.Outcome.String())
	return change, nil
}

func (p *Processor) fetchDepositAccount(ctx context.Context, token string) (*store.DepositAccount, error) {
	remote, err := p.remote.GetDepositAccount(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("fetch unknown deposit account %s: %w", token, err)
	}
	account, err := p.owner(ctx, remote.UserToken)
	if err != nil {
		return nil, fmt.Errorf("deposit account %s: %w", token, err)
	}
	d, err := mapper.DepositAccountFromRemote(account.ID, *remote)
	if err != nil {
		return nil, err
	}
	if _, err := p.store.UpsertDepositAccount(ctx, d); err != nil {
		return nil, fmt.Errorf("store fetched deposit account %s: %w", token, err)
	}
	p.logger.Info("unknown deposit account fetched from platform", "account_token", token, "account_id", account.ID)
	p.logger.Debug("fetched deposit account payload", "account_token", token, "integration", security.MaskPII(d.Integration))
	return p.store.GetDepositAccount(ctx, token)
}

// HandleChargebackTransition records a chargeback lifecycle step. The disputed
// transaction is fetched first when it is not known locally.
func (p *Processor) HandleChargebackTransition(ctx context.Context, ev issuer.ChargebackTransition) (store.Change, error) {
	if _, err := p.store.GetTransaction(ctx, ev.TransactionToken); errors.Is(err, store.ErrNotFound) {
		if err := p.fetchTransaction(ctx, ev.TransactionToken); err != nil {
			return store.Change{}, err
		}
	} else if err != nil {
		return store.Change{}, err
	}

	cb, err := mapper.ChargebackFromRemote(ev)
	if err != nil {
		return store.Change{}, err
	}
	if cb.RemoteUpdatedAt.IsZero() {
		return store.Change{}, fmt.Errorf("%w: chargeback transition %s has no timestamp", ErrInvalidEvent, ev.Token)
	}
	change, err := p.store.UpsertChargeback(ctx, cb, func(from, to string) error {
		return disputes.CanApply(cb.Token, disputes.ChargebackState(from), disputes.ChargebackState(to))
	})
	if err != nil {
		return change, fmt.Errorf("chargeback %s: %w", cb.Token, err)
	}

	attrs := []any{"chargeback_token", cb.Token, "transaction_token", cb.TransactionToken,
		"state", cb.State, "state_description", disputes.StateDescription(disputes.ChargebackState(cb.State)),
		"outcome", change.Outcome.String()}
	if cb.ReasonCode != nil {
		if rc, err := disputes.LookupReasonCode(*cb.ReasonCode); err == nil {
			attrs = append(attrs, "reason_category", rc.Category, "fraud", rc.Fraud)
		} else {
			attrs = append(attrs, "reason_code", *cb.ReasonCode)
		}
	}
	p.logger.Info("chargeback event applied", attrs...)
	return change, nil
}

func (p *Processor) fetchTransaction(ctx context.Context, token string) error {
	remote, err := p.remote.GetTransaction(ctx, token)
	if err != nil {
		return fmt.Errorf("fetch unknown transaction %s: %w", token, err)
	}
	if _, err := p.owner(ctx, remote.UserToken); err != nil {
		return fmt.Errorf("transaction %s: %w", token, err)
	}
	t, err := mapper.TransactionFromRemote(*remote)
	if err != nil {
		return err
	}
	if _, err := p.store.UpsertTransaction(ctx, t); err != nil {
		return fmt.Errorf("store fetched transaction %s: %w", token, err)
	}
	p.logger.Info("unknown transaction fetched from platform", "transaction_token", token)
	return nil
}

func (p *Processor) owner(ctx context.Context, personToken string) (*store.Account, error) {
	account, err := p.store.AccountByPersonToken(ctx, personToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("person %s: %w", personToken, ErrNoOwner)
	}
	return account, err
}
