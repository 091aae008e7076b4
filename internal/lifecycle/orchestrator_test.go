package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/issuer-sync/internal/cards"
	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/issuertest"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/store"
)

type env struct {
	store    *store.Store
	platform *issuertest.Platform
	orch     *Orchestrator
}

func setup(t *testing.T) *env {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	require.NoError(t, st.Migrate(context.Background()))
	platform := issuertest.New(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	sm := cards.NewStateMachine(st, platform, nil)
	return &env{
		store:    st,
		platform: platform,
		orch:     New(st, platform, sm, Config{CardProductToken: "prod-1"}, nil),
	}
}

func (e *env) account(t *testing.T, id string) *store.Account {
	t.Helper()
	a, err := e.store.CreateAccount(context.Background(), store.Account{ID: id, Email: id + "@example.com"})
	require.NoError(t, err)
	return a
}

func applicant(email string) mapper.Applicant {
	return mapper.Applicant{FirstName: "Ada", LastName: "Lovelace", Email: email, PostalCode: "94107"}
}

func (e *env) onboard(t *testing.T, id string) *OnboardResult {
	t.Helper()
	e.account(t, id)
	res, err := e.orch.Onboard(context.Background(), id, applicant(id+"@example.com"))
	require.NoError(t, err)
	return res
}

func TestOnboard_NewPerson(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.account(t, "acct-1")

	res, err := e.orch.Onboard(ctx, "acct-1", applicant("acct-1@example.com"))
	require.NoError(t, err)
	require.NotEmpty(t, res.PersonToken)
	require.NotNil(t, res.KYC)
	assert.Equal(t, store.KYCApproved, *res.KYC)
	assert.NotEmpty(t, res.CardToken)

	account, err := e.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, account.PersonToken)
	assert.Equal(t, res.PersonToken, *account.PersonToken)

	person, err := e.store.GetPerson(ctx, res.PersonToken)
	require.NoError(t, err)
	assert.Equal(t, store.PersonActive, person.Status)
	assert.Equal(t, "Ada", *person.Identity.FirstName)

	card, err := e.store.GetCard(ctx, res.CardToken)
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, card.State)

	saga, err := e.store.GetSaga(ctx, "acct-1", SagaOnboard)
	require.NoError(t, err)
	assert.Equal(t, store.SagaDone, saga.Status)
	for _, step := range []string{StepLookupPerson, StepUpsertPerson, StepProcessKYC, StepIssueCard} {
		done, err := e.store.StepDone(ctx, "acct-1", SagaOnboard, step)
		require.NoError(t, err)
		assert.True(t, done, step)
	}
	assert.Equal(t, 1, e.platform.Calls(issuertest.OpCreateUser))
}

func TestOnboard_ReusesRemotePersonWithSameEmail(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.account(t, "acct-1")
	email := "acct-1@example.com"
	seeded := e.platform.SeedUser(issuer.User{Token: "u-existing", Status: "UNVERIFIED", Email: &email})

	res, err := e.orch.Onboard(ctx, "acct-1", applicant(email))
	require.NoError(t, err)
	assert.Equal(t, seeded.Token, res.PersonToken)
	assert.Equal(t, 0, e.platform.Calls(issuertest.OpCreateUser))
	assert.Equal(t, 1, e.platform.Calls(issuertest.OpUpdateUser))

	remote, _ := e.platform.User(seeded.Token)
	assert.Equal(t, "Ada", *remote.FirstName)
}

func TestOnboard_AlreadyApprovedSkipsKYC(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.onboard(t, "acct-1")
	require.Equal(t, 1, e.platform.Calls(issuertest.OpProcessKYC))

	res, err := e.orch.Onboard(ctx, "acct-1", applicant("acct-1@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, e.platform.Calls(issuertest.OpProcessKYC))
	assert.Equal(t, 1, e.platform.Calls(issuertest.OpCreateCard))
	assert.NotEmpty(t, res.CardToken)
}

func TestOnboard_RejectedKYC(t *testing.T) {
	e := setup(t)
	e.platform.SetKYCOutcome("FAILURE", "AddressIssue")

	res := e.onboard(t, "acct-1")
	require.NotNil(t, res.KYC)
	assert.Equal(t, store.KYCRejected, *res.KYC)

	person, err := e.store.GetPerson(context.Background(), res.PersonToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"AddressIssue"}, person.KYCCodes)
}

func TestOnboard_CardFailureThenResume(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.account(t, "acct-1")
	e.platform.FailNext(issuertest.OpCreateCard, issuertest.Unavailable("/cards"))

	_, err := e.orch.Onboard(ctx, "acct-1", applicant("acct-1@example.com"))
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepIssueCard, stepErr.Step)
	assert.Equal(t, SagaOnboard, stepErr.Saga)
	assert.True(t, issuer.IsTransient(err))

	// no rollback: the bound person stays
	account, err := e.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, account.PersonToken)
	held, err := e.store.CardsForAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, held)

	// the KYC decision taken alongside the failed issuance is kept
	person, err := e.store.GetPerson(ctx, *account.PersonToken)
	require.NoError(t, err)
	require.NotNil(t, person.KYCStatus)
	assert.Equal(t, store.KYCApproved, *person.KYCStatus)
	done, err := e.store.StepDone(ctx, "acct-1", SagaOnboard, StepProcessKYC)
	require.NoError(t, err)
	assert.True(t, done)
	waiting, err := e.store.ApprovedWithoutCard(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)

	resumed, err := e.orch.ResumeOnboardings(ctx)
	require.NoError(t, err)
	assert.Equal(t, Resumed{Seen: 1, Completed: 1}, resumed)

	held, err = e.store.CardsForAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, held, 1)
	person, err = e.store.GetPerson(ctx, *account.PersonToken)
	require.NoError(t, err)
	assert.Equal(t, store.KYCApproved, *person.KYCStatus)

	saga, err := e.store.GetSaga(ctx, "acct-1", SagaOnboard)
	require.NoError(t, err)
	assert.Equal(t, store.SagaDone, saga.Status)
}

func TestOnboard_FailureBeforeBindingIsSkippedOnResume(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.account(t, "acct-1")
	e.platform.FailNext(issuertest.OpCreateUser, issuertest.Rejected("/users", "bad postal code"))

	_, err := e.orch.Onboard(ctx, "acct-1", applicant("acct-1@example.com"))
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepUpsertPerson, stepErr.Step)
	assert.True(t, issuer.IsValidation(err))

	steps, err := e.store.Steps(ctx, "acct-1", SagaOnboard)
	require.NoError(t, err)
	status := map[string]string{}
	for _, s := range steps {
		status[s.Step] = s.Status
	}
	assert.Equal(t, store.StepDone, status[StepLookupPerson])
	assert.Equal(t, store.StepFailed, status[StepUpsertPerson])

	resumed, err := e.orch.ResumeOnboardings(ctx)
	require.NoError(t, err)
	assert.Equal(t, Resumed{Seen: 1, Skipped: 1}, resumed)
}

func TestOnboard_ClosedAccount(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.account(t, "acct-1")
	require.NoError(t, e.orch.Close(ctx, "acct-1", "user request"))

	_, err := e.orch.Onboard(ctx, "acct-1", applicant("acct-1@example.com"))
	assert.ErrorIs(t, err, ErrAccountClosed)
}

func TestProvisionDepositAccount_FastPath(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.onboard(t, "acct-1")

	first, err := e.orch.ProvisionDepositAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, first.State)

	second, err := e.orch.ProvisionDepositAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, e.platform.Calls(issuertest.OpCreateDepositAccount))
}

func TestProvisionDepositAccount_NotOnboarded(t *testing.T) {
	e := setup(t)
	e.account(t, "acct-1")
	_, err := e.orch.ProvisionDepositAccount(context.Background(), "acct-1")
	assert.ErrorIs(t, err, ErrNotOnboarded)
}

func TestProvisionDepositAccount_ConcurrentCallersShareOneActive(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	res := e.onboard(t, "acct-1")

	const n = 8
	var (
		wg      sync.WaitGroup
		results = make([]*store.DepositAccount, n)
		errs    = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.orch.ProvisionDepositAccount(ctx, "acct-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID)
	}

	rows, err := e.store.DepositAccountsForAccount(ctx, "acct-1")
	require.NoError(t, err)
	active := 0
	for _, d := range rows {
		if d.State == store.StateActive {
			active++
			continue
		}
		require.NotNil(t, d.SupersededBy)
		assert.Equal(t, results[0].ID, *d.SupersededBy)
		assert.False(t, d.CompensationPending)
	}
	assert.Equal(t, 1, active)

	remoteActive := 0
	for _, d := range e.platform.DepositAccountsOf(res.PersonToken) {
		if d.State == "ACTIVE" {
			remoteActive++
		}
	}
	assert.Equal(t, 1, remoteActive)
	assert.Len(t, rows, e.platform.Calls(issuertest.OpCreateDepositAccount))
}

// racingRemote inserts a competing ACTIVE deposit account right after the
// platform creates one, so the caller always loses the local insert.
type racingRemote struct {
	*issuertest.Platform
	store *store.Store
	once  sync.Once
}

func (r *racingRemote) CreateDepositAccount(ctx context.Context, req issuer.DepositAccountRequest) (*issuer.DepositAccount, error) {
	var err error
	r.once.Do(func() {
		var winner *issuer.DepositAccount
		winner, err = r.Platform.CreateDepositAccount(ctx, issuer.DepositAccountRequest{Token: "winner", UserToken: req.UserToken})
		if err != nil {
			return
		}
		acct, lookupErr := r.store.AccountByPersonToken(ctx, req.UserToken)
		if lookupErr != nil {
			err = lookupErr
			return
		}
		d, mapErr := mapper.DepositAccountFromRemote(acct.ID, *winner)
		if mapErr != nil {
			err = mapErr
			return
		}
		_, err = r.store.InsertDepositAccount(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return r.Platform.CreateDepositAccount(ctx, req)
}

func TestProvisionDepositAccount_CompensationRetried(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.onboard(t, "acct-1")

	remote := &racingRemote{Platform: e.platform, store: e.store}
	orch := New(e.store, remote, cards.NewStateMachine(e.store, e.platform, nil), Config{}, nil)
	e.platform.FailNext(issuertest.OpTransitionDepositAccount, issuertest.Unavailable("/depositaccounts/transitions"))

	got, err := orch.ProvisionDepositAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "winner", got.Token)

	pending, err := e.store.PendingCompensations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	loser := pending[0]
	assert.Equal(t, store.StateTerminated, loser.State)
	assert.Equal(t, got.ID, *loser.SupersededBy)

	r, err := orch.RetryCompensations(ctx)
	require.NoError(t, err)
	assert.Equal(t, Resumed{Seen: 1, Completed: 1}, r)

	pending, err = e.store.PendingCompensations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	remoteLoser, err := e.platform.GetDepositAccount(ctx, loser.Token)
	require.NoError(t, err)
	assert.Equal(t, "TERMINATED", remoteLoser.State)
}

func TestClose_ScrubWaitsForConfirmedClosure(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	res := e.onboard(t, "acct-1")
	e.platform.HoldUserClosure(true)

	err := e.orch.Close(ctx, "acct-1", "customer request")
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepClosePerson, stepErr.Step)
	assert.ErrorIs(t, err, ErrClosureNotConfirmed)

	account, err := e.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1@example.com", account.Email)
	done, err := e.store.StepDone(ctx, "acct-1", SagaClose, StepScrubContacts)
	require.NoError(t, err)
	assert.False(t, done)

	e.platform.HoldUserClosure(false)
	resumed, err := e.orch.ResumeClosures(ctx)
	require.NoError(t, err)
	assert.Equal(t, Resumed{Seen: 1, Completed: 1}, resumed)

	person, err := e.store.GetPerson(ctx, res.PersonToken)
	require.NoError(t, err)
	assert.Equal(t, store.PersonClosed, person.Status)
	account, err = e.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "closed+acct-1@invalid", account.Email)
}

func TestClose_ResumesFromFailedStep(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	res := e.onboard(t, "acct-1")
	e.platform.FailNext(issuertest.OpTransitionUser, issuertest.Unavailable("/usertransitions"))

	err := e.orch.Close(ctx, "acct-1", "fraud confirmed")
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepClosePerson, stepErr.Step)

	card, err := e.store.GetCard(ctx, res.CardToken)
	require.NoError(t, err)
	assert.Equal(t, store.StateTerminated, card.State)
	require.Equal(t, 1, e.platform.Calls(issuertest.OpTransitionCard))

	resumed, err := e.orch.ResumeClosures(ctx)
	require.NoError(t, err)
	assert.Equal(t, Resumed{Seen: 1, Completed: 1}, resumed)
	// terminate_cards was not repeated
	assert.Equal(t, 1, e.platform.Calls(issuertest.OpTransitionCard))

	account, err := e.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, store.AccountClosed, account.Status)
	assert.Equal(t, "closed+acct-1@invalid", account.Email)
	assert.Nil(t, account.FirstName)
	require.NotNil(t, account.PersonToken)
	assert.Equal(t, res.PersonToken, *account.PersonToken)

	person, err := e.store.GetPerson(ctx, res.PersonToken)
	require.NoError(t, err)
	assert.Equal(t, store.PersonClosed, person.Status)
	assert.Nil(t, person.Identity.FirstName)

	remote, _ := e.platform.User(res.PersonToken)
	assert.Equal(t, "CLOSED", remote.Status)

	saga, err := e.store.GetSaga(ctx, "acct-1", SagaClose)
	require.NoError(t, err)
	assert.Equal(t, "fraud confirmed", saga.Input)
	assert.Equal(t, store.SagaDone, saga.Status)

	// closing again is a no-op
	require.NoError(t, e.orch.Close(ctx, "acct-1", "again"))
}

func TestClose_FrozenTokenCannotBeRebound(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	res := e.onboard(t, "acct-1")
	require.NoError(t, e.orch.Close(ctx, "acct-1", "user request"))

	other := e.account(t, "acct-2")
	err := e.store.BindPersonToken(ctx, other.ID, res.PersonToken)
	assert.True(t, errors.Is(err, store.ErrTokenBound))
}

func TestClose_NeverOnboarded(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.account(t, "acct-1")

	require.NoError(t, e.orch.Close(ctx, "acct-1", "user request"))
	steps, err := e.store.Steps(ctx, "acct-1", SagaClose)
	require.NoError(t, err)
	assert.Len(t, steps, 3)
	assert.Equal(t, 0, e.platform.Calls(issuertest.OpTransitionUser))
}
