// Package mapper translates between remote issuer resources and the local
// persisted shape. Every function is pure. Enum translation is closed: a value
// outside the known set is an error, never a default.
package mapper

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/issuer-sync/internal/disputes"
	"github.com/example/issuer-sync/internal/store"
)

// ErrUnknownEnum marks a remote enum value the mapper does not know.
var ErrUnknownEnum = errors.New("unknown remote enum value")

// UnknownEnumError names the enum and the offending value.
type UnknownEnumError struct {
	Kind  string
	Value string
}

func (e *UnknownEnumError) Error() string {
	return fmt.Sprintf("%s: %s %q", ErrUnknownEnum, e.Kind, e.Value)
}

func (e *UnknownEnumError) Unwrap() error { return ErrUnknownEnum }

func unknown(kind, value string) error {
	return &UnknownEnumError{Kind: kind, Value: value}
}

var personStatuses = map[string]store.PersonStatus{
	"UNVERIFIED": store.PersonUnverified,
	"LIMITED":    store.PersonLimited,
	"ACTIVE":     store.PersonActive,
	"SUSPENDED":  store.PersonSuspended,
	"CLOSED":     store.PersonClosed,
}

// PersonStatus maps a remote user status.
func PersonStatus(remote string) (store.PersonStatus, error) {
	if s, ok := personStatuses[remote]; ok {
		return s, nil
	}
	return "", unknown("user status", remote)
}

// RemotePersonStatus maps a local person status back to the remote value.
func RemotePersonStatus(s store.PersonStatus) (string, error) {
	for remote, local := range personStatuses {
		if local == s {
			return remote, nil
		}
	}
	return "", unknown("local person status", string(s))
}

var kycStatuses = map[string]store.KYCStatus{
	"SUCCESS": store.KYCApproved,
	"FAILURE": store.KYCRejected,
	"PENDING": store.KYCPending,
}

// KYCStatus maps a remote KYC result status.
func KYCStatus(remote string) (store.KYCStatus, error) {
	if s, ok := kycStatuses[remote]; ok {
		return s, nil
	}
	return "", unknown("kyc status", remote)
}

var cardStates = map[string]store.CardState{
	"UNACTIVATED": store.StateUnactivated,
	"ACTIVE":      store.StateActive,
	"SUSPENDED":   store.StateSuspended,
	"TERMINATED":  store.StateTerminated,
}

// CardState maps a remote card state.
func CardState(remote string) (store.CardState, error) {
	if s, ok := cardStates[remote]; ok {
		return s, nil
	}
	return "", unknown("card state", remote)
}

// DepositAccountState maps a remote deposit account state. The set is the
// same as for cards.
func DepositAccountState(remote string) (store.CardState, error) {
	if s, ok := cardStates[remote]; ok {
		return s, nil
	}
	return "", unknown("deposit account state", remote)
}

// RemoteCardState maps a local card state to the remote value.
func RemoteCardState(s store.CardState) (string, error) {
	for remote, local := range cardStates {
		if local == s {
			return remote, nil
		}
	}
	return "", unknown("local card state", string(s))
}

// Instrument maps a remote instrument type to a product class.
func Instrument(remote string) (store.Instrument, error) {
	switch {
	case remote == "VIRTUAL_PAN":
		return store.InstrumentVirtual, nil
	case strings.HasPrefix(remote, "PHYSICAL_"):
		return store.InstrumentPhysical, nil
	default:
		return "", unknown("instrument type", remote)
	}
}

var transactionTypes = map[string]store.TxType{
	"authorization":             store.TxDebit,
	"authorization.clearing":    store.TxDebit,
	"authorization.incremental": store.TxDebit,
	"authorization.advice":      store.TxDebit,
	"authorization.reversal":    store.TxDebit,
	"pindebit":                  store.TxDebit,
	"pindebit.atm.withdrawal":   store.TxDebit,
	"fee.charge":                store.TxDebit,
	"refund":                    store.TxCredit,
	"refund.authorization":      store.TxCredit,
	"pindebit.credit":           store.TxCredit,
	"gpa.credit":                store.TxDeposit,
	"directdeposit.credit":      store.TxDeposit,
	"directdeposit.debit":       store.TxAdjustment,
	"account.credit":            store.TxAdjustment,
	"account.debit":             store.TxAdjustment,
	"gpa.debit":                 store.TxAdjustment,
}

// TransactionType maps a remote transaction type to the local taxonomy.
func TransactionType(remote string) (store.TxType, error) {
	if t, ok := transactionTypes[remote]; ok {
		return t, nil
	}
	return "", unknown("transaction type", remote)
}

// IsReversal reports whether a remote transaction type reverses an earlier one.
func IsReversal(remoteType string) bool {
	return remoteType == "authorization.reversal"
}

var settlementStates = map[string]store.Settlement{
	"PENDING":    store.SettlementPending,
	"CLEARED":    store.SettlementCleared,
	"COMPLETION": store.SettlementCleared,
	"DECLINED":   store.SettlementDeclined,
	"ERROR":      store.SettlementDeclined,
}

// SettlementState maps a remote transaction state. Reversal records settle
// as reversed whatever their own state says.
func SettlementState(remoteType, remoteState string) (store.Settlement, error) {
	s, ok := settlementStates[remoteState]
	if !ok {
		return "", unknown("transaction state", remoteState)
	}
	if IsReversal(remoteType) && s != store.SettlementDeclined {
		return store.SettlementReversed, nil
	}
	return s, nil
}

// ChargebackState maps a remote chargeback state.
func ChargebackState(remote string) (disputes.ChargebackState, error) {
	s, err := disputes.Parse(remote)
	if err != nil {
		return "", unknown("chargeback state", remote)
	}
	return s, nil
}
