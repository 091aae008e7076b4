package reconcile

import (
	"errors"
	"sync"
	"time"

	"github.com/example/issuer-sync/internal/lifecycle"
	"github.com/example/issuer-sync/internal/mapper"
	"github.com/example/issuer-sync/internal/pagination"
	"github.com/example/issuer-sync/internal/store"
)

// Kind names a reconciliation job.
type Kind string

const (
	KindPersons      Kind = "persons"
	KindCards        Kind = "cards"
	KindTransactions Kind = "transactions"
	KindLowBalance   Kind = "low_balance"
	KindResume       Kind = "resume"
)

// Kinds lists every job in the order a full pass runs them.
func Kinds() []Kind {
	return []Kind{KindPersons, KindCards, KindTransactions, KindLowBalance, KindResume}
}

// ErrNoLocalMatch is logged and counted when a remote item has no local
// counterpart.
var ErrNoLocalMatch = errors.New("no local match for remote item")

// Report summarizes one job run.
type Report struct {
	Job       Kind
	Seen      int
	Inserted  int
	Updated   int
	Unchanged int
	Stale     int
	Skipped   int
	Failed    int
	// Partial is set when some remote walk stopped early; whatever it
	// returned was still applied.
	Partial  bool
	Duration time.Duration
}

// tally is a Report shared by the goroutines of one run.
type tally struct {
	mu sync.Mutex
	r  Report

	// unreadable counts walks that failed before returning anything.
	unreadable int
	lastErr    error
}

func (t *tally) outcome(o store.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r.Seen++
	switch o {
	case store.OutcomeInserted:
		t.r.Inserted++
	case store.OutcomeUpdated:
		t.r.Updated++
	case store.OutcomeUnchanged:
		t.r.Unchanged++
	case store.OutcomeStale:
		t.r.Stale++
	}
}

func (t *tally) skipped() {
	t.mu.Lock()
	t.r.Seen++
	t.r.Skipped++
	t.mu.Unlock()
}

func (t *tally) failed() {
	t.mu.Lock()
	t.r.Seen++
	t.r.Failed++
	t.mu.Unlock()
}

func (t *tally) partial() {
	t.mu.Lock()
	t.r.Partial = true
	t.mu.Unlock()
}

// walkFailed notes a walk that stopped with err. A walk that still produced
// items only marks the report partial.
func (t *tally) walkFailed(err error, fetched int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fetched > 0 {
		t.r.Partial = true
		return
	}
	t.unreadable++
	t.lastErr = err
}

// allUnreadable returns the last walk error when every one of walks failed
// without producing anything.
func (t *tally) allUnreadable(walks int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if walks > 0 && t.unreadable == walks {
		return t.lastErr
	}
	return nil
}

func (t *tally) resumed(r lifecycle.Resumed) {
	t.mu.Lock()
	t.r.Seen += r.Seen
	t.r.Updated += r.Completed
	t.r.Skipped += r.Skipped
	t.r.Failed += r.Failed
	t.mu.Unlock()
}

func (t *tally) report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.r
}

// fatal reports protocol violations, which end the whole run.
func fatal(err error) bool {
	return errors.Is(err, pagination.ErrNonAdvancingCursor) || errors.Is(err, mapper.ErrUnknownEnum)
}

// record counts the result of one projection write. Writes refused by an
// absorbing state are skipped; any other error is returned.
func (t *tally) record(ch store.Change, err error) error {
	switch {
	case err == nil:
		t.outcome(ch.Outcome)
		return nil
	case errors.Is(err, store.ErrTerminalState):
		t.skipped()
		return nil
	default:
		t.failed()
		return err
	}
}
