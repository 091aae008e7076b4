package webhooks

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/issuer-sync/internal/cards"
	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/issuertest"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/store"
)

var epoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.Store
	platform *issuertest.Platform
	sm       *cards.StateMachine
	proc     *Processor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	require.NoError(t, st.Migrate(ctx))
	_, err = st.CreateAccount(ctx, store.Account{ID: "acct-1", Email: "acct-1@example.com"})
	require.NoError(t, err)
	require.NoError(t, st.BindPersonToken(ctx, "acct-1", "u-1"))

	platform := issuertest.New(epoch)
	platform.SeedUser(issuer.User{Token: "u-1"})
	card := platform.SeedCard(issuer.Card{Token: "c-1", UserToken: "u-1", State: "ACTIVE"})
	local, err := mapper.CardFromRemote("acct-1", card)
	require.NoError(t, err)
	_, err = st.UpsertCard(ctx, local)
	require.NoError(t, err)

	sm := cards.NewStateMachine(st, platform, nil)
	proc, err := NewProcessor(st, platform, sm, nil)
	require.NoError(t, err)
	return &fixture{store: st, platform: platform, sm: sm, proc: proc}
}

// captureLogs routes the processor's logs into a buffer at debug level.
func (f *fixture) captureLogs() *bytes.Buffer {
	var buf bytes.Buffer
	f.proc.logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &buf
}

func at(sec int) string {
	return epoch.Add(time.Duration(sec) * time.Second).Format(time.RFC3339)
}

func envelope(t *testing.T, kind string, events ...map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{kind: events})
	require.NoError(t, err)
	return b
}

func (f *fixture) dispatch(t *testing.T, body []byte) Summary {
	t.Helper()
	sum, err := f.proc.Dispatch(context.Background(), body)
	require.NoError(t, err)
	return sum
}

func depositEvent(state string, sec int) map[string]any {
	return map[string]any{
		"token":         "evt-" + state + "-" + at(sec),
		"account_token": "d-1",
		"user_token":    "u-1",
		"state":         state,
		"created_time":  at(sec),
	}
}

func cardEvent(token, state string, sec int) map[string]any {
	return map[string]any{
		"token":        "evt-" + token + "-" + at(sec),
		"card_token":   token,
		"state":        state,
		"reason_code":  "01",
		"channel":      "FRAUD",
		"created_time": at(sec),
	}
}

func (f *fixture) seedDeposit(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	remote, err := f.platform.CreateDepositAccount(ctx, issuer.DepositAccountRequest{Token: "d-1", UserToken: "u-1"})
	require.NoError(t, err)
	d, err := mapper.DepositAccountFromRemote("acct-1", *remote)
	require.NoError(t, err)
	_, err = f.store.InsertDepositAccount(ctx, d)
	require.NoError(t, err)
}

func TestDepositAccountTransition_IdempotentAndOrdered(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedDeposit(t)

	suspend := envelope(t, EventDepositAccountTransitions, depositEvent("SUSPENDED", 60))
	assert.Equal(t, Summary{Received: 1, Applied: 1}, f.dispatch(t, suspend))
	first, err := f.store.GetDepositAccount(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateSuspended, first.State)

	assert.Equal(t, Summary{Received: 1, Unchanged: 1}, f.dispatch(t, suspend))
	second, err := f.store.GetDepositAccount(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.State, second.State)

	older := envelope(t, EventDepositAccountTransitions, depositEvent("ACTIVE", 30))
	assert.Equal(t, Summary{Received: 1, Stale: 1}, f.dispatch(t, older))
	third, err := f.store.GetDepositAccount(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateSuspended, third.State)
}

func TestDepositAccountTransition_UnknownAccountIsFetched(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	logs := f.captureLogs()
	_, err := f.platform.CreateDepositAccount(ctx, issuer.DepositAccountRequest{Token: "d-1", UserToken: "u-1"})
	require.NoError(t, err)

	sum := f.dispatch(t, envelope(t, EventDepositAccountTransitions, depositEvent("SUSPENDED", 60)))
	assert.Equal(t, 1, sum.Applied)
	assert.Equal(t, 1, f.platform.Calls(issuertest.OpGetDepositAccount))

	d, err := f.store.GetDepositAccount(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", d.AccountID)
	assert.Equal(t, store.StateSuspended, d.State)
	require.NotNil(t, d.AccountNumber)

	// the fetched payload is logged with the account number masked
	assert.Contains(t, logs.String(), "fetched deposit account payload")
	assert.Contains(t, logs.String(), "****"+(*d.AccountNumber)[len(*d.AccountNumber)-4:])
	assert.NotContains(t, logs.String(), *d.AccountNumber)
}

func TestDepositAccountTransition_SecondActiveIsRejected(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedDeposit(t)
	_, err := f.platform.CreateDepositAccount(ctx, issuer.DepositAccountRequest{Token: "d-2", UserToken: "u-1"})
	require.NoError(t, err)

	ev := depositEvent("ACTIVE", 60)
	ev["account_token"] = "d-2"
	sum := f.dispatch(t, envelope(t, EventDepositAccountTransitions, ev))
	assert.Equal(t, Summary{Received: 1, Rejected: 1}, sum)

	_, err = f.store.GetDepositAccount(ctx, "d-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCardTransition_JournalsStateChanges(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	sum := f.dispatch(t, envelope(t, EventCardTransitions, cardEvent("c-1", "SUSPENDED", 60)))
	assert.Equal(t, 1, sum.Applied)

	card, err := f.store.GetCard(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateSuspended, card.State)

	history, err := f.sm.History(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, cards.SourceWebhook, history[0].Source)
	assert.Equal(t, store.StateActive, history[0].FromState)
	assert.Equal(t, "FRAUD", history[0].Channel)

	// redelivery does not journal twice
	f.dispatch(t, envelope(t, EventCardTransitions, cardEvent("c-1", "SUSPENDED", 60)))
	history, err = f.sm.History(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCardTransition_FulfillmentOnly(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	ev := cardEvent("c-1", "ACTIVE", 60)
	ev["fulfillment_status"] = "SHIPPED"
	assert.Equal(t, 1, f.dispatch(t, envelope(t, EventCardTransitions, ev)).Applied)

	card, err := f.store.GetCard(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, card.Fulfillment)
	assert.Equal(t, "SHIPPED", *card.Fulfillment)
	history, err := f.sm.History(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCardTransition_UnknownCardIsFetched(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.platform.SeedCard(issuer.Card{Token: "c-2", UserToken: "u-1", State: "ACTIVE"})

	sum := f.dispatch(t, envelope(t, EventCardTransitions, cardEvent("c-2", "SUSPENDED", 60)))
	assert.Equal(t, 1, sum.Applied)
	assert.Equal(t, 1, f.platform.Calls(issuertest.OpGetCard))

	card, err := f.store.GetCard(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", card.AccountID)
	assert.Equal(t, store.StateSuspended, card.State)
}

func TestCardTransition_UnownedCardIsRejected(t *testing.T) {
	f := setup(t)
	f.platform.SeedUser(issuer.User{Token: "u-stranger"})
	f.platform.SeedCard(issuer.Card{Token: "c-9", UserToken: "u-stranger"})

	sum := f.dispatch(t, envelope(t, EventCardTransitions, cardEvent("c-9", "SUSPENDED", 60)))
	assert.Equal(t, Summary{Received: 1, Rejected: 1}, sum)
}

func TestCardTransition_TerminatedIsAbsorbing(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.dispatch(t, envelope(t, EventCardTransitions, cardEvent("c-1", "TERMINATED", 60)))

	sum := f.dispatch(t, envelope(t, EventCardTransitions, cardEvent("c-1", "ACTIVE", 120)))
	assert.Equal(t, Summary{Received: 1, Rejected: 1}, sum)
	card, err := f.store.GetCard(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateTerminated, card.State)
}

func TestCardTransition_TransientFetchFailureIsRetried(t *testing.T) {
	f := setup(t)
	f.platform.SeedCard(issuer.Card{Token: "c-2", UserToken: "u-1"})
	f.platform.FailNext(issuertest.OpGetCard, issuertest.Unavailable("/cards/c-2"))

	body := envelope(t, EventCardTransitions, cardEvent("c-2", "SUSPENDED", 60))
	sum := f.dispatch(t, body)
	assert.Equal(t, Summary{Received: 1, Failed: 1}, sum)
	assert.True(t, sum.Retry())

	assert.Equal(t, Summary{Received: 1, Applied: 1}, f.dispatch(t, body))
}

func TestCardTransition_UnknownStateIsNotAcknowledged(t *testing.T) {
	f := setup(t)
	sum := f.dispatch(t, envelope(t, EventCardTransitions, cardEvent("c-1", "LOST", 60)))
	assert.Equal(t, 1, sum.Failed)
}

func TestChargebackTransition(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	logs := f.captureLogs()
	card := "c-1"
	f.platform.SeedTransaction(issuer.Transaction{
		Token:     "tx-1",
		Type:      "authorization.clearing",
		State:     "COMPLETION",
		UserToken: "u-1",
		CardToken: &card,
		Amount:    decimal.RequireFromString("25.40"),
	})

	event := func(state string, sec int) map[string]any {
		return map[string]any{
			"token":             "evt-cb-" + state,
			"chargeback_token":  "cb-1",
			"transaction_token": "tx-1",
			"state":             state,
			"reason_code":       "10.4",
			"amount":            "25.40",
			"created_time":      at(sec),
		}
	}

	sum := f.dispatch(t, envelope(t, EventChargebackTransitions, event("INITIATED", 60), event("REPRESENTMENT", 120)))
	assert.Equal(t, Summary{Received: 2, Applied: 2}, sum)
	assert.Equal(t, 1, f.platform.Calls(issuertest.OpGetTransaction))

	tx, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("25.40")))

	cb, err := f.store.GetChargeback(ctx, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, "REPRESENTMENT", cb.State)
	assert.Contains(t, logs.String(), "Merchant re-presented the transaction with evidence")
	require.NotNil(t, cb.Amount)
	assert.True(t, cb.Amount.Equal(decimal.RequireFromString("25.4")))

	sum = f.dispatch(t, envelope(t, EventChargebackTransitions, event("CASE_WON", 180), event("INITIATED", 240)))
	assert.Equal(t, Summary{Received: 2, Applied: 1, Rejected: 1}, sum)
	cb, err = f.store.GetChargeback(ctx, "cb-1")
	require.NoError(t, err)
	assert.Equal(t, "CASE_WON", cb.State)
}

func TestDispatch_InvalidItemsAreAcknowledged(t *testing.T) {
	f := setup(t)
	body := []byte(`{
		"cardtransitions": [{"token": "evt-1", "state": "ACTIVE", "created_time": "2024-06-01T00:01:00Z"}],
		"usertransitions": [{"token": "evt-2"}]
	}`)
	assert.Equal(t, Summary{Received: 2, Rejected: 1, Ignored: 1}, f.dispatch(t, body))

	_, err := f.proc.Dispatch(context.Background(), []byte(`[]`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
