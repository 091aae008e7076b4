package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func createAccount(t *testing.T, s *Store, id string) *Account {
	t.Helper()
	a, err := s.CreateAccount(context.Background(), Account{ID: id, Email: id + "@example.com"})
	require.NoError(t, err)
	return a
}

func ptr[T any](v T) *T { return &v }

func at(sec int) time.Time {
	return time.Date(2024, 5, 1, 12, 0, sec, 0, time.UTC)
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		storedMs int64
		storedFP string
		inMs     int64
		inFP     string
		want     Outcome
	}{
		{"newer", 100, "a", 200, "a", OutcomeUpdated},
		{"older", 200, "a", 100, "b", OutcomeStale},
		{"equal and different", 100, "a", 100, "b", OutcomeUpdated},
		{"equal and same", 100, "a", 100, "a", OutcomeUnchanged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.storedMs, tt.storedFP, tt.inMs, tt.inFP))
		})
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := setupStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestUpsertCard_OrderingRule(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	createAccount(t, s, "acc-1")

	card := Card{
		Token: "c-1", AccountID: "acc-1", PersonToken: "u-1",
		Instrument: InstrumentVirtual, State: StateActive,
		Integration:     map[string]any{"state": "ACTIVE"},
		RemoteUpdatedAt: at(10),
	}

	ch, err := s.UpsertCard(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, ch.Outcome)

	ch, err = s.UpsertCard(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, ch.Outcome)
	first, err := s.GetCard(ctx, "c-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Version)

	suspended := card
	suspended.State = StateSuspended
	suspended.RemoteUpdatedAt = at(20)
	ch, err = s.UpsertCard(ctx, suspended)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, ch.Outcome)
	assert.Equal(t, string(StateActive), ch.From)

	ch, err = s.UpsertCard(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, ch.Outcome)

	got, err := s.GetCard(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, got.State)
	assert.EqualValues(t, 2, got.Version)
	assert.Equal(t, at(20), got.RemoteUpdatedAt)
	assert.Equal(t, "ACTIVE", got.Integration["state"])
}

func TestUpsertCard_TerminatedIsAbsorbing(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	createAccount(t, s, "acc-1")

	card := Card{Token: "c-1", AccountID: "acc-1", PersonToken: "u-1", Instrument: InstrumentPhysical,
		State: StateTerminated, RemoteUpdatedAt: at(10)}
	_, err := s.UpsertCard(ctx, card)
	require.NoError(t, err)

	revived := card
	revived.State = StateActive
	revived.RemoteUpdatedAt = at(30)
	_, err = s.UpsertCard(ctx, revived)
	assert.ErrorIs(t, err, ErrTerminalState)

	shipped := card
	shipped.Fulfillment = ptr("SHIPPED")
	shipped.RemoteUpdatedAt = at(40)
	ch, err := s.UpsertCard(ctx, shipped)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, ch.Outcome)
}

func TestUpsertPerson_IdempotentAndClosedAbsorbing(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	createAccount(t, s, "acc-1")

	approved := KYCApproved
	p := Person{
		Token: "u-1", AccountID: "acc-1", Status: PersonActive, KYCStatus: &approved,
		Identity:        Identity{FirstName: ptr("Ada"), Email: ptr("ada@example.com")},
		RemoteUpdatedAt: at(5),
	}
	ch, err := s.UpsertPerson(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, ch.Outcome)
	before, err := s.GetPerson(ctx, "u-1")
	require.NoError(t, err)

	ch, err = s.UpsertPerson(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, ch.Outcome)
	after, err := s.GetPerson(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Nil(t, after.Identity.LastName)

	closed := p
	closed.Status = PersonClosed
	closed.RemoteUpdatedAt = at(6)
	_, err = s.UpsertPerson(ctx, closed)
	require.NoError(t, err)

	reopened := p
	reopened.RemoteUpdatedAt = at(7)
	_, err = s.UpsertPerson(ctx, reopened)
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestInsertDepositAccount_OneActivePerAccount(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	createAccount(t, s, "acc-1")

	first, err := s.InsertDepositAccount(ctx, DepositAccount{Token: "d-1", AccountID: "acc-1", PersonToken: "u-1",
		State: StateActive, RemoteUpdatedAt: at(1)})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = s.InsertDepositAccount(ctx, DepositAccount{Token: "d-2", AccountID: "acc-1", PersonToken: "u-1",
		State: StateActive, RemoteUpdatedAt: at(2)})
	assert.ErrorIs(t, err, ErrDuplicateActive)

	loser, err := s.InsertDepositAccount(ctx, DepositAccount{Token: "d-2", AccountID: "acc-1", PersonToken: "u-1",
		State: StateTerminated, SupersededBy: &first.ID, RemoteUpdatedAt: at(2)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, *loser.SupersededBy)

	again, err := s.InsertDepositAccount(ctx, DepositAccount{Token: "d-1", AccountID: "acc-1", PersonToken: "u-1",
		State: StateActive, RemoteUpdatedAt: at(1)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	active, err := s.ActiveDepositAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", active.Token)

	all, err := s.DepositAccountsForAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestInsertDepositAccount_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	createAccount(t, s, "acc-1")

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.InsertDepositAccount(ctx, DepositAccount{
				Token: "d-" + string(rune('a'+i)), AccountID: "acc-1", PersonToken: "u-1",
				State: StateActive, RemoteUpdatedAt: at(i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateActive):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dups)
}

func TestUpsertDepositAccount_WebhookCannotCreateSecondActive(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	createAccount(t, s, "acc-1")

	_, err := s.UpsertDepositAccount(ctx, DepositAccount{Token: "d-1", AccountID: "acc-1", PersonToken: "u-1",
		State: StateActive, RemoteUpdatedAt: at(1)})
	require.NoError(t, err)

	_, err = s.UpsertDepositAccount(ctx, DepositAccount{Token: "d-2", AccountID: "acc-1", PersonToken: "u-1",
		State: StateUnactivated, RemoteUpdatedAt: at(2)})
	require.NoError(t, err)

	_, err = s.UpsertDepositAccount(ctx, DepositAccount{Token: "d-2", AccountID: "acc-1", PersonToken: "u-1",
		State: StateActive, RemoteUpdatedAt: at(3)})
	assert.ErrorIs(t, err, ErrDuplicateActive)
}

func TestBindPersonToken(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	createAccount(t, s, "acc-1")
	createAccount(t, s, "acc-2")

	require.NoError(t, s.BindPersonToken(ctx, "acc-1", "u-1"))
	require.NoError(t, s.BindPersonToken(ctx, "acc-1", "u-1"))

	assert.ErrorIs(t, s.BindPersonToken(ctx, "acc-1", "u-9"), ErrTokenBound)
	assert.ErrorIs(t, s.BindPersonToken(ctx, "acc-2", "u-1"), ErrTokenBound)

	a, err := s.AccountByPersonToken(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", a.ID)
}

func TestScrubAccountContacts_FreezesToken(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	_, err := s.CreateAccount(ctx, Account{ID: "acc-1", Email: "ada@example.com", FirstName: ptr("Ada"), Phone: ptr("555")})
	require.NoError(t, err)
	require.NoError(t, s.BindPersonToken(ctx, "acc-1", "u-1"))
	_, err = s.UpsertPerson(ctx, Person{Token: "u-1", AccountID: "acc-1", Status: PersonClosed,
		Identity: Identity{FirstName: ptr("Ada")}, RemoteUpdatedAt: at(1)})
	require.NoError(t, err)

	require.NoError(t, s.ScrubAccountContacts(ctx, "acc-1"))

	a, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, AccountClosed, a.Status)
	assert.Nil(t, a.FirstName)
	assert.Nil(t, a.Phone)
	assert.NotContains(t, a.Email, "ada")
	require.NotNil(t, a.PersonToken)
	assert.Equal(t, "u-1", *a.PersonToken)

	p, err := s.GetPerson(ctx, "u-1")
	require.NoError(t, err)
	assert.Nil(t, p.Identity.FirstName)

	assert.ErrorIs(t, s.BindPersonToken(ctx, "acc-1", "u-2"), ErrTokenBound)
}

func TestUpsertTransaction_SettlementOnly(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	tx := Transaction{
		Token: "t-1", PersonToken: "u-1", CardToken: ptr("c-1"), Type: TxDebit, RemoteType: "authorization",
		Settlement: SettlementPending, Amount: decimal.RequireFromString("19.99"), Currency: "USD",
		RemoteUpdatedAt: at(1),
	}
	ch, err := s.UpsertTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, ch.Outcome)

	ch, err = s.UpsertTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, ch.Outcome)

	changed := tx
	changed.Amount = decimal.RequireFromString("1.00")
	changed.Settlement = SettlementCleared
	changed.RemoteUpdatedAt = at(2)
	_, err = s.UpsertTransaction(ctx, changed)
	require.NoError(t, err)

	got, err := s.GetTransaction(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, SettlementCleared, got.Settlement)
	assert.True(t, decimal.RequireFromString("19.99").Equal(got.Amount))

	ch, err = s.ApplySettlement(ctx, "t-1", SettlementReversed, at(1).UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, ch.Outcome)

	ch, err = s.ApplySettlement(ctx, "t-1", SettlementReversed, at(3).UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, ch.Outcome)

	_, err = s.ApplySettlement(ctx, "missing", SettlementCleared, at(3).UnixMilli())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertChargeback_Guard(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	final := errors.New("final")
	guard := func(from, to string) error {
		if from == "CASE_WON" && to != from {
			return final
		}
		return nil
	}

	cb := Chargeback{Token: "cb-1", TransactionToken: "t-1", State: "INITIATED", Amount: ptr(decimal.RequireFromString("5")), RemoteUpdatedAt: at(1)}
	_, err := s.UpsertChargeback(ctx, cb, guard)
	require.NoError(t, err)

	cb.State = "CASE_WON"
	cb.RemoteUpdatedAt = at(2)
	_, err = s.UpsertChargeback(ctx, cb, guard)
	require.NoError(t, err)

	cb.State = "ARBITRATION"
	cb.RemoteUpdatedAt = at(3)
	_, err = s.UpsertChargeback(ctx, cb, guard)
	assert.ErrorIs(t, err, final)

	got, err := s.GetChargeback(ctx, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, "CASE_WON", got.State)
	assert.True(t, decimal.NewFromInt(5).Equal(*got.Amount))
}

func TestCardJournal_SequenceAndChain(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	seal := func(prev string, r CardTransitionRecord) string {
		return prev + "|" + string(r.ToState)
	}

	_, err := s.AppendCardTransition(ctx, CardTransitionRecord{CardToken: "c-1", FromState: StateUnactivated, ToState: StateActive}, seal)
	require.NoError(t, err)
	second, err := s.AppendCardTransition(ctx, CardTransitionRecord{CardToken: "c-1", FromState: StateActive, ToState: StateSuspended}, seal)
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.Seq)
	assert.Equal(t, "|ACTIVE|SUSPENDED", second.Hash)

	entries, err := s.CardTransitions(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
}

func TestSagaSteps(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	require.NoError(t, s.StartSaga(ctx, "acc-1", "close", "fraud"))
	require.NoError(t, s.MarkStep(ctx, "acc-1", "close", "terminate_cards", StepDone, ""))
	require.NoError(t, s.MarkStep(ctx, "acc-1", "close", "close_person", StepFailed, "503"))

	done, err := s.StepDone(ctx, "acc-1", "close", "terminate_cards")
	require.NoError(t, err)
	assert.True(t, done)
	done, err = s.StepDone(ctx, "acc-1", "close", "close_person")
	require.NoError(t, err)
	assert.False(t, done)

	pending, err := s.PendingSagas(ctx, "close")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fraud", pending[0].Input)

	require.NoError(t, s.FinishSaga(ctx, "acc-1", "close"))
	pending, err = s.PendingSagas(ctx, "close")
	require.NoError(t, err)
	assert.Empty(t, pending)

	steps, err := s.Steps(ctx, "acc-1", "close")
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestApprovedWithoutCard(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	createAccount(t, s, "acc-1")
	createAccount(t, s, "acc-2")
	approved := KYCApproved

	_, err := s.UpsertPerson(ctx, Person{Token: "u-1", AccountID: "acc-1", Status: PersonActive, KYCStatus: &approved, RemoteUpdatedAt: at(1)})
	require.NoError(t, err)
	_, err = s.UpsertPerson(ctx, Person{Token: "u-2", AccountID: "acc-2", Status: PersonActive, KYCStatus: &approved, RemoteUpdatedAt: at(1)})
	require.NoError(t, err)
	_, err = s.UpsertCard(ctx, Card{Token: "c-2", AccountID: "acc-2", PersonToken: "u-2", Instrument: InstrumentVirtual, State: StateActive, RemoteUpdatedAt: at(1)})
	require.NoError(t, err)

	persons, err := s.ApprovedWithoutCard(ctx)
	require.NoError(t, err)
	require.Len(t, persons, 1)
	assert.Equal(t, "u-1", persons[0].Token)
}
