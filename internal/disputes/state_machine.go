package disputes

import (
	"errors"
	"fmt"
)

// ChargebackState is the lifecycle state of a chargeback raised on a card
// transaction.
type ChargebackState string

const (
	StateInitiated       ChargebackState = "INITIATED"
	StateRepresentment   ChargebackState = "REPRESENTMENT"
	StatePreArbitration  ChargebackState = "PREARBITRATION"
	StateArbitration     ChargebackState = "ARBITRATION"
	StateCaseWon         ChargebackState = "CASE_WON"
	StateCaseLost        ChargebackState = "CASE_LOST"
	StateNetworkRejected ChargebackState = "NETWORK_REJECTED"
	StateWithdrawn       ChargebackState = "WITHDRAWN"
	StateWrittenOff      ChargebackState = "WRITTEN_OFF"
)

// ErrUnknownState is returned for a state outside the chargeback lifecycle.
var ErrUnknownState = errors.New("unknown chargeback state")

// InvalidStateTransitionError represents a move the chargeback lifecycle does
// not allow.
type InvalidStateTransitionError struct {
	FromState    ChargebackState
	ToState      ChargebackState
	ChargebackID string
}

func (e *InvalidStateTransitionError) Error() string {
	if IsTerminal(e.FromState) {
		return fmt.Sprintf("chargeback %s is %s, a final state; cannot move to %s", e.ChargebackID, e.FromState, e.ToState)
	}
	return fmt.Sprintf("invalid state transition from %s to %s for chargeback %s", e.FromState, e.ToState, e.ChargebackID)
}

// AllowedTransitions lists every state reachable from a given state. Webhook
// deliveries can skip intermediate states, so later stages are reachable
// directly.
func AllowedTransitions() map[ChargebackState][]ChargebackState {
	final := []ChargebackState{StateCaseWon, StateCaseLost, StateWithdrawn, StateWrittenOff}
	return map[ChargebackState][]ChargebackState{
		StateInitiated:       append([]ChargebackState{StateRepresentment, StatePreArbitration, StateArbitration, StateNetworkRejected}, final...),
		StateRepresentment:   append([]ChargebackState{StatePreArbitration, StateArbitration}, final...),
		StatePreArbitration:  append([]ChargebackState{StateArbitration}, final...),
		StateArbitration:     {StateCaseWon, StateCaseLost, StateWrittenOff},
		StateNetworkRejected: {StateInitiated, StateWrittenOff},
		StateCaseWon:         {},
		StateCaseLost:        {},
		StateWithdrawn:       {},
		StateWrittenOff:      {},
	}
}

// Parse validates a remote chargeback state.
func Parse(s string) (ChargebackState, error) {
	st := ChargebackState(s)
	if _, ok := AllowedTransitions()[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
	return st, nil
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s ChargebackState) bool {
	next, ok := AllowedTransitions()[s]
	return ok && len(next) == 0
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(from, to ChargebackState) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanApply decides whether a stored chargeback may take an observed state.
// Re-observing the current state is always fine.
func CanApply(chargebackID string, from, to ChargebackState) error {
	if from == to {
		return nil
	}
	if !IsValidTransition(from, to) {
		return &InvalidStateTransitionError{FromState: from, ToState: to, ChargebackID: chargebackID}
	}
	return nil
}

// StateDescription provides human-readable descriptions of states.
func StateDescription(state ChargebackState) string {
	switch state {
	case StateInitiated:
		return "Chargeback raised with the card network"
	case StateRepresentment:
		return "Merchant re-presented the transaction with evidence"
	case StatePreArbitration:
		return "Issuer challenged the representment"
	case StateArbitration:
		return "Case submitted to the network for a ruling"
	case StateCaseWon:
		return "Ruled in the cardholder's favour; funds stay credited"
	case StateCaseLost:
		return "Ruled in the merchant's favour; provisional credit reversed"
	case StateNetworkRejected:
		return "Network rejected the chargeback submission"
	case StateWithdrawn:
		return "Chargeback withdrawn by the issuer"
	case StateWrittenOff:
		return "Loss absorbed by the program"
	default:
		return "Unknown state"
	}
}
