package reconcile

import (
	"log/slog"
	"sync"
	"time"
)

// FailureLog records failed runs per job kind. Its Record method is meant to
// be installed as Runner.OnFailure.
type FailureLog struct {
	mu     sync.Mutex
	logger *slog.Logger
	counts map[Kind]int
	last   map[Kind]time.Time
	now    func() time.Time
}

func NewFailureLog(logger *slog.Logger) *FailureLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureLog{
		logger: logger.With("component", "reconcile_failures"),
		counts: map[Kind]int{},
		last:   map[Kind]time.Time{},
		now:    time.Now,
	}
}

// Record counts a failed run of kind and logs it with the running total.
func (f *FailureLog) Record(kind Kind, err error) {
	f.mu.Lock()
	f.counts[kind]++
	n := f.counts[kind]
	f.last[kind] = f.now()
	f.mu.Unlock()

	f.logger.Error("reconciliation job failed", "job", string(kind), "failures", n, "error", err)
}

// Count returns how many runs of kind have failed.
func (f *FailureLog) Count(kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[kind]
}

// LastFailure returns when kind last failed, or the zero time.
func (f *FailureLog) LastFailure(kind Kind) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[kind]
}
