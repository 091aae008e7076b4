package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Outcome is what an upsert did with an incoming observation.
type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeUpdated
	// OutcomeUnchanged means the observation carried the stored timestamp and
	// the stored content.
	OutcomeUnchanged
	// OutcomeStale means the observation was older than the stored row.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Applied reports whether the observation was written.
func (o Outcome) Applied() bool {
	return o == OutcomeInserted || o == OutcomeUpdated
}

// Change describes an upsert. From is the state held before the write, empty
// on insert.
type Change struct {
	Outcome Outcome
	From    string
	Version int64
}

// Decide applies the ordering rule shared by every writer: newer wins, equal
// and different wins, equal and same is a no-op, older is a detected no-op.
func Decide(storedMs int64, storedFingerprint string, incomingMs int64, incomingFingerprint string) Outcome {
	switch {
	case incomingMs > storedMs:
		return OutcomeUpdated
	case incomingMs < storedMs:
		return OutcomeStale
	case incomingFingerprint != storedFingerprint:
		return OutcomeUpdated
	default:
		return OutcomeUnchanged
	}
}

// Fingerprint hashes the mapped content of a row. Two observations with the
// same fingerprint are the same local state.
func Fingerprint(parts ...any) string {
	b, err := json.Marshal(parts)
	if err != nil {
		// Only unsupported types (channels, funcs) fail; mapped rows hold none.
		panic(fmt.Sprintf("store: fingerprint: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type rowMeta struct {
	found       bool
	remoteMs    int64
	fingerprint string
	version     int64
	state       string
}

// casWrite is one optimistic write against a projection table.
type casWrite struct {
	table       string
	token       string
	remoteMs    int64
	fingerprint string
	// guard may veto an update after the ordering decision, e.g. to keep an
	// absorbing state.
	guard  func(current rowMeta) error
	insert func(ctx context.Context) (bool, error)
	update func(ctx context.Context, version int64) (bool, error)
}

func (s *Store) readMeta(ctx context.Context, table, token string) (rowMeta, error) {
	q := fmt.Sprintf(`SELECT remote_updated_ms, fingerprint, version, state FROM %s WHERE token = $1`, table)
	m := rowMeta{found: true}
	err := s.db.QueryRowContext(ctx, q, token).Scan(&m.remoteMs, &m.fingerprint, &m.version, &m.state)
	if errors.Is(err, sql.ErrNoRows) {
		return rowMeta{}, nil
	}
	if err != nil {
		return rowMeta{}, fmt.Errorf("read %s %s: %w", table, token, err)
	}
	return m, nil
}

// cas runs read, decide, conditional write until the write lands or the
// observation turns out to be stale.
func (s *Store) cas(ctx context.Context, w casWrite) (Change, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Change{}, err
		}
		meta, err := s.readMeta(ctx, w.table, w.token)
		if err != nil {
			return Change{}, err
		}

		if !meta.found {
			ok, err := w.insert(ctx)
			if err != nil {
				return Change{}, err
			}
			if ok {
				return Change{Outcome: OutcomeInserted, Version: 1}, nil
			}
			continue
		}

		out := Decide(meta.remoteMs, meta.fingerprint, w.remoteMs, w.fingerprint)
		if !out.Applied() {
			return Change{Outcome: out, From: meta.state, Version: meta.version}, nil
		}
		if w.guard != nil {
			if err := w.guard(meta); err != nil {
				return Change{From: meta.state, Version: meta.version}, err
			}
		}
		ok, err := w.update(ctx, meta.version)
		if err != nil {
			return Change{}, err
		}
		if ok {
			return Change{Outcome: OutcomeUpdated, From: meta.state, Version: meta.version + 1}, nil
		}
	}
	return Change{}, fmt.Errorf("%w: %s %s", ErrConflict, w.table, w.token)
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// absorbing returns a guard rejecting any move out of terminal.
func absorbing(terminal, incoming string) func(rowMeta) error {
	return func(m rowMeta) error {
		if m.state == terminal && incoming != terminal {
			return fmt.Errorf("%w: %s -> %s", ErrTerminalState, m.state, incoming)
		}
		return nil
	}
}
