// Package cards owns locally initiated card state changes. Every accepted
// transition is pushed to the issuing platform, written to the local card
// projection and appended to a hash-chained journal.
package cards

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/store"
)

// Channel identifies who asked for a transition.
type Channel string

const (
	ChannelAPI    Channel = "API"
	ChannelSystem Channel = "SYSTEM"
	ChannelAdmin  Channel = "ADMIN"
	ChannelFraud  Channel = "FRAUD"
)

// Journal sources.
const (
	SourceLocal   = "local"
	SourceWebhook = "webhook"
	SourceSync    = "sync"
)

// TerminalStateError is returned for any change requested on a terminated card.
type TerminalStateError struct {
	CardToken string
	ToState   store.CardState
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("card %s is TERMINATED; cannot move to %s", e.CardToken, e.ToState)
}

// Is lets callers match the store-level sentinel.
func (e *TerminalStateError) Is(target error) bool {
	return target == store.ErrTerminalState
}

// InvalidTransitionError represents an edge the card lifecycle does not have.
type InvalidTransitionError struct {
	CardToken string
	FromState store.CardState
	ToState   store.CardState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for card %s", e.FromState, e.ToState, e.CardToken)
}

// AllowedTransitions defines valid card state transitions.
func AllowedTransitions() map[store.CardState][]store.CardState {
	return map[store.CardState][]store.CardState{
		store.StateUnactivated: {store.StateActive, store.StateSuspended, store.StateTerminated},
		store.StateActive:      {store.StateSuspended, store.StateTerminated},
		store.StateSuspended:   {store.StateActive, store.StateTerminated},
		store.StateTerminated:  {},
	}
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(from, to store.CardState) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Check validates a locally requested move. A same-state request is valid.
func Check(cardToken string, from, to store.CardState) error {
	if from == to {
		return nil
	}
	if from == store.StateTerminated {
		return &TerminalStateError{CardToken: cardToken, ToState: to}
	}
	if !IsValidTransition(from, to) {
		return &InvalidTransitionError{CardToken: cardToken, FromState: from, ToState: to}
	}
	return nil
}

// CanApplyRemote decides whether a state observed on the platform may replace
// the stored one. The platform is authoritative, so any edge is accepted
// except leaving TERMINATED.
func CanApplyRemote(cardToken string, from, to store.CardState) error {
	if from == store.StateTerminated && to != store.StateTerminated {
		return &TerminalStateError{CardToken: cardToken, ToState: to}
	}
	return nil
}

// Remote is the part of the issuer client the state machine needs.
type Remote interface {
	TransitionCard(ctx context.Context, req issuer.CardTransitionRequest) (*issuer.CardTransition, error)
}

// TransitionRequest asks for a card to move to a new state.
type TransitionRequest struct {
	CardToken  string
	ToState    store.CardState
	ReasonCode string
	Reason     string
	Channel    Channel
	CreatedBy  string
}

// TransitionResult is the outcome of an accepted request.
type TransitionResult struct {
	Card  *store.Card
	Entry *store.CardTransitionRecord
	// NoOp is set when the card already was in the requested state.
	NoOp bool
	// Superseded is set when a newer observation was already stored; the
	// platform took the transition but the local row and journal did not.
	Superseded bool
}

// StateMachine manages card state transitions.
type StateMachine struct {
	store  *store.Store
	remote Remote
	logger *slog.Logger
	now    func() time.Time
}

// NewStateMachine creates a card state machine.
func NewStateMachine(st *store.Store, remote Remote, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{store: st, remote: remote, logger: logger, now: time.Now}
}

// Transition performs a locally initiated state change.
func (sm *StateMachine) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if req.CardToken == "" {
		return nil, fmt.Errorf("card token is required")
	}
	if req.ToState == "" {
		return nil, fmt.Errorf("target state is required")
	}
	if req.Channel == "" {
		req.Channel = ChannelAPI
	}
	if req.CreatedBy == "" {
		req.CreatedBy = string(req.Channel)
	}

	current, err := sm.store.GetCard(ctx, req.CardToken)
	if err != nil {
		return nil, err
	}
	if current.State == req.ToState {
		return &TransitionResult{Card: current, NoOp: true}, nil
	}
	if err := Check(req.CardToken, current.State, req.ToState); err != nil {
		return nil, err
	}

	remoteState, err := mapper.RemoteCardState(req.ToState)
	if err != nil {
		return nil, err
	}
	reasonCode := req.ReasonCode
	if reasonCode == "" {
		reasonCode = "00"
	}
	resp, err := sm.remote.TransitionCard(ctx, issuer.CardTransitionRequest{
		Token:      uuid.NewString(),
		CardToken:  req.CardToken,
		State:      remoteState,
		ReasonCode: reasonCode,
		Reason:     req.Reason,
		Channel:    string(req.Channel),
	})
	if err != nil {
		return nil, fmt.Errorf("transition card %s remotely: %w", req.CardToken, err)
	}

	next, err := mapper.CardFromTransition(*current, *resp)
	if err != nil {
		return nil, err
	}
	if next.RemoteUpdatedAt.IsZero() {
		next.RemoteUpdatedAt = sm.now().UTC()
	}
	change, err := sm.store.UpsertCard(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("store card %s: %w", req.CardToken, err)
	}
	if change.Outcome == store.OutcomeStale {
		sm.logger.Warn("card transition superseded by a newer observation",
			"card_token", req.CardToken, "to_state", req.ToState)
		stored, err := sm.store.GetCard(ctx, req.CardToken)
		if err != nil {
			return nil, err
		}
		return &TransitionResult{Card: stored, Superseded: true}, nil
	}

	entry, err := sm.Record(ctx, store.CardTransitionRecord{
		CardToken:  req.CardToken,
		FromState:  current.State,
		ToState:    next.State,
		ReasonCode: reasonCode,
		Channel:    string(req.Channel),
		Source:     SourceLocal,
		CreatedBy:  req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	stored, err := sm.store.GetCard(ctx, req.CardToken)
	if err != nil {
		return nil, err
	}
	sm.logger.Info("card transitioned",
		"card_token", req.CardToken, "from_state", current.State, "to_state", next.State, "channel", req.Channel)
	return &TransitionResult{Card: stored, Entry: entry}, nil
}

// Record appends a journal entry. Webhook and sync writers call it for
// transitions they observed on the platform.
func (sm *StateMachine) Record(ctx context.Context, rec store.CardTransitionRecord) (*store.CardTransitionRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = sm.now()
	}
	entry, err := sm.store.AppendCardTransition(ctx, rec, TransitionHash)
	if err != nil {
		return nil, fmt.Errorf("journal card %s: %w", rec.CardToken, err)
	}
	return entry, nil
}

// History returns the journal of a card.
func (sm *StateMachine) History(ctx context.Context, cardToken string) ([]store.CardTransitionRecord, error) {
	if cardToken == "" {
		return nil, fmt.Errorf("card token is required")
	}
	return sm.store.CardTransitions(ctx, cardToken)
}

// ErrChainBroken is returned when the journal of a card does not verify.
var ErrChainBroken = errors.New("card journal hash chain broken")

// VerifyChain verifies the integrity of the hash chain for a card.
func (sm *StateMachine) VerifyChain(ctx context.Context, cardToken string) (bool, error) {
	entries, err := sm.History(ctx, cardToken)
	if err != nil {
		return false, fmt.Errorf("failed to get journal: %w", err)
	}
	for i, e := range entries {
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return false, fmt.Errorf("%w at entry %d: expected prev %s, got %s", ErrChainBroken, e.Seq, entries[i-1].Hash, e.PrevHash)
		}
		if want := TransitionHash(e.PrevHash, e); e.Hash != want {
			return false, fmt.Errorf("%w at entry %d: expected %s, got %s", ErrChainBroken, e.Seq, want, e.Hash)
		}
	}
	return true, nil
}

// TransitionHash seals a journal entry onto the previous entry's hash.
func TransitionHash(prevHash string, rec store.CardTransitionRecord) string {
	input := rec.CardToken + "|" +
		strconv.FormatInt(rec.Seq, 10) + "|" +
		string(rec.FromState) + "|" +
		string(rec.ToState) + "|" +
		rec.ReasonCode + "|" +
		rec.Channel + "|" +
		rec.Source + "|" +
		rec.CreatedBy + "|" +
		rec.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" +
		prevHash
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
