package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/issuer-sync/internal/lease"
)

// ErrUnknownJob is returned for a job kind the runner does not know.
var ErrUnknownJob = errors.New("unknown reconciliation job")

// Runner runs one job at a time per kind across every process sharing the
// locker.
type Runner struct {
	jobs   *Jobs
	locker lease.Locker
	ttl    time.Duration
	logger *slog.Logger

	// OnFailure is called with every failed run. Skipped runs are not failures.
	OnFailure func(kind Kind, err error)
}

// NewRunner creates a runner holding each job's lease for at most ttl. A run
// is cancelled when its lease would expire.
func NewRunner(jobs *Jobs, locker lease.Locker, ttl time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Runner{jobs: jobs, locker: locker, ttl: ttl, logger: logger.With("component", "runner")}
}

// RunOnce runs kind if no other holder is running it. It returns lease.ErrHeld
// when the run was skipped.
func (r *Runner) RunOnce(ctx context.Context, kind Kind) (Report, error) {
	job := r.jobs.Job(kind)
	if job == nil {
		return Report{Job: kind}, fmt.Errorf("%w: %s", ErrUnknownJob, kind)
	}

	l, err := r.locker.Acquire(ctx, "sync:"+string(kind), r.ttl)
	if errors.Is(err, lease.ErrHeld) {
		r.logger.Info("job already running elsewhere", "job", string(kind))
		return Report{Job: kind}, err
	}
	if err != nil {
		r.fail(kind, err)
		return Report{Job: kind}, fmt.Errorf("acquire lease for %s: %w", kind, err)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("release lease", "job", string(kind), "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.ttl)
	defer cancel()
	rep, err := job(runCtx)
	if err != nil {
		r.fail(kind, err)
		return rep, fmt.Errorf("%s sync: %w", kind, err)
	}
	return rep, nil
}

func (r *Runner) fail(kind Kind, err error) {
	r.logger.Error("job failed", "job", string(kind), "error", err)
	if r.OnFailure != nil {
		r.OnFailure(kind, err)
	}
}

// Scheduler fires the runner on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers one entry per kind in schedules. Specs use the
// standard five field cron syntax or descriptors such as "@every 5m".
func NewScheduler(runner *Runner, schedules map[Kind]string, loc *time.Location, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	for kind := range schedules {
		if runner.jobs.Job(kind) == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, kind)
		}
	}
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, runner: runner, ctx: ctx, cancel: cancel}

	for _, kind := range Kinds() {
		spec, ok := schedules[kind]
		if !ok || spec == "" {
			continue
		}
		if _, err := c.AddFunc(spec, func() {
			_, _ = s.runner.RunOnce(s.ctx, kind)
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s %q: %w", kind, spec, err)
		}
	}
	return s, nil
}

// Entries reports how many jobs are scheduled.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
