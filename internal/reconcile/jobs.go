// Package reconcile holds the periodic jobs that walk the issuing platform and
// converge the local projections onto it, plus the runner and scheduler that
// keep two runs of the same job from overlapping.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/issuer-sync/internal/issuer"
	"github.com/example/issuer-sync/internal/lifecycle"
	"github.com/example/issuer-sync/internal/pagination"
	"github.com/example/issuer-sync/internal/store"
)

// Remote is the part of the issuer client the jobs read from.
type Remote interface {
	ListUsers(ctx context.Context, params issuer.ListParams) (*issuer.Page[issuer.User], error)
	ListKYC(ctx context.Context, userToken string, params issuer.ListParams) (*issuer.Page[issuer.KYCResult], error)
	ListCardsForUser(ctx context.Context, userToken string, params issuer.ListParams) (*issuer.Page[issuer.Card], error)
	ListTransactions(ctx context.Context, q issuer.TransactionQuery, params issuer.ListParams) (*issuer.Page[issuer.Transaction], error)
	GetBalance(ctx context.Context, userToken string) (*issuer.Balance, error)
}

// Journal records card transitions observed by a sync.
type Journal interface {
	Record(ctx context.Context, rec store.CardTransitionRecord) (*store.CardTransitionRecord, error)
}

// Resumer finishes workflows an earlier run left incomplete.
type Resumer interface {
	CompleteOnboarding(ctx context.Context, accountID string) (*lifecycle.OnboardResult, error)
	ResumeOnboardings(ctx context.Context) (lifecycle.Resumed, error)
	ResumeClosures(ctx context.Context) (lifecycle.Resumed, error)
	RetryCompensations(ctx context.Context) (lifecycle.Resumed, error)
}

// Config tunes the jobs.
type Config struct {
	PageSize int
	// PageDelay is slept between pages of one walk.
	PageDelay time.Duration
	// CallDelay is slept between per-item remote calls.
	CallDelay time.Duration
	// Parallelism bounds concurrent per-person or per-card walks.
	Parallelism int
	// TransactionLookback is the window of the transaction query.
	TransactionLookback time.Duration
	LowBalanceThreshold decimal.Decimal
}

// Jobs runs the reconciliation jobs.
type Jobs struct {
	store   *store.Store
	remote  Remote
	journal Journal
	resumer Resumer
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewJobs creates the job set.
func NewJobs(st *store.Store, remote Remote, journal Journal, resumer Resumer, cfg Config, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.TransactionLookback <= 0 {
		cfg.TransactionLookback = 72 * time.Hour
	}
	return &Jobs{
		store:   st,
		remote:  remote,
		journal: journal,
		resumer: resumer,
		cfg:     cfg,
		logger:  logger.With("component", "reconcile"),
		now:     time.Now,
	}
}

// Job returns the function that runs kind, or nil.
func (j *Jobs) Job(kind Kind) func(context.Context) (Report, error) {
	switch kind {
	case KindPersons:
		return j.PersonSync
	case KindCards:
		return j.CardSync
	case KindTransactions:
		return j.TransactionSync
	case KindLowBalance:
		return j.LowBalanceSweep
	case KindResume:
		return j.ResumeSweep
	}
	return nil
}

func (j *Jobs) fetchOptions() pagination.Options {
	return pagination.Options{PageSize: j.cfg.PageSize, Delay: j.cfg.PageDelay}
}

// pause sleeps CallDelay unless ctx ends first.
func (j *Jobs) pause(ctx context.Context) error {
	if j.cfg.CallDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(j.cfg.CallDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (j *Jobs) finish(kind Kind, t *tally, start time.Time) Report {
	r := t.report()
	r.Job = kind
	r.Duration = time.Since(start)
	j.logger.Info("sync finished",
		"job", string(kind),
		"seen", r.Seen,
		"inserted", r.Inserted,
		"updated", r.Updated,
		"unchanged", r.Unchanged,
		"stale", r.Stale,
		"skipped", r.Skipped,
		"failed", r.Failed,
		"partial", r.Partial,
		"duration_ms", r.Duration.Milliseconds(),
	)
	return r
}
