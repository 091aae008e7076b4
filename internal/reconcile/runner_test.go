package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/issuertest"
	"github.com/example/issuer-sync/internal/lease"
)

func TestRunner_RunOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.integrate(t, "acct-1", "u-1")
	f.platform.SeedCard(issuer.Card{Token: "c-1", UserToken: "u-1"})
	locker := lease.NewLocalLocker()
	r := NewRunner(f.jobs, locker, time.Minute, nil)

	rep, err := r.RunOnce(ctx, KindCards)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)

	// the lease is released after the run
	l, err := locker.Acquire(ctx, "sync:cards", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
}

func TestRunner_SkipsWhileHeld(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.integrate(t, "acct-1", "u-1")
	locker := lease.NewLocalLocker()
	r := NewRunner(f.jobs, locker, time.Minute, nil)
	var failures []Kind
	r.OnFailure = func(kind Kind, err error) { failures = append(failures, kind) }

	held, err := locker.Acquire(ctx, "sync:persons", time.Minute)
	require.NoError(t, err)

	_, err = r.RunOnce(ctx, KindPersons)
	require.ErrorIs(t, err, lease.ErrHeld)
	assert.Zero(t, f.platform.Calls(issuertest.OpListUsers))
	assert.Empty(t, failures)

	// other kinds are not blocked
	_, err = r.RunOnce(ctx, KindLowBalance)
	require.NoError(t, err)

	require.NoError(t, held.Release(ctx))
	_, err = r.RunOnce(ctx, KindPersons)
	require.NoError(t, err)
}

func TestRunner_OnFailure(t *testing.T) {
	f := setup(t)
	f.integrate(t, "acct-1", "u-1")
	f.platform.FailAlways(issuertest.OpListCardsForUser, issuertest.Unavailable("/cards/user"))

	r := NewRunner(f.jobs, lease.NewLocalLocker(), time.Minute, nil)
	var got []Kind
	r.OnFailure = func(kind Kind, err error) {
		assert.Error(t, err)
		got = append(got, kind)
	}

	_, err := r.RunOnce(context.Background(), KindCards)
	require.Error(t, err)
	assert.Equal(t, []Kind{KindCards}, got)
}

func TestFailureLog(t *testing.T) {
	f := setup(t)
	f.integrate(t, "acct-1", "u-1")
	f.platform.FailAlways(issuertest.OpListCardsForUser, issuertest.Unavailable("/cards/user"))

	var buf bytes.Buffer
	failures := NewFailureLog(slog.New(slog.NewJSONHandler(&buf, nil)))
	at := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	failures.now = func() time.Time { return at }
	r := NewRunner(f.jobs, lease.NewLocalLocker(), time.Minute, nil)
	r.OnFailure = failures.Record

	for i := 0; i < 2; i++ {
		_, err := r.RunOnce(context.Background(), KindCards)
		require.Error(t, err)
	}
	_, err := r.RunOnce(context.Background(), KindResume)
	require.NoError(t, err)

	assert.Equal(t, 2, failures.Count(KindCards))
	assert.Zero(t, failures.Count(KindResume))
	assert.Equal(t, at, failures.LastFailure(KindCards))
	assert.True(t, failures.LastFailure(KindResume).IsZero())
	assert.Contains(t, buf.String(), `"job":"cards"`)
	assert.Contains(t, buf.String(), `"failures":2`)
}

func TestRunner_UnknownJob(t *testing.T) {
	f := setup(t)
	r := NewRunner(f.jobs, lease.NewLocalLocker(), time.Minute, nil)
	_, err := r.RunOnce(context.Background(), "ledger")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunner_RedisLease(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := setup(t)
	f.integrate(t, "acct-1", "u-1")
	locker := &lease.RedisLocker{Redis: rdb, Prefix: "issuer-sync"}
	r := NewRunner(f.jobs, locker, time.Minute, nil)

	other, err := locker.Acquire(ctx, "sync:resume", time.Minute)
	require.NoError(t, err)
	_, err = r.RunOnce(ctx, KindResume)
	require.ErrorIs(t, err, lease.ErrHeld)

	require.NoError(t, other.Release(ctx))
	_, err = r.RunOnce(ctx, KindResume)
	require.NoError(t, err)
	assert.False(t, mr.Exists("issuer-sync:lease:sync:resume"))
}

func TestScheduler(t *testing.T) {
	f := setup(t)
	r := NewRunner(f.jobs, lease.NewLocalLocker(), time.Minute, nil)

	s, err := NewScheduler(r, map[Kind]string{
		KindCards:      "@every 15m",
		KindResume:     "*/5 * * * *",
		KindLowBalance: "",
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Entries())
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	_, err = NewScheduler(r, map[Kind]string{KindCards: "every now and then"}, nil, nil)
	assert.Error(t, err)
	_, err = NewScheduler(r, map[Kind]string{"ledger": "@hourly"}, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownJob)
}
