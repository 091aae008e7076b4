package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Saga statuses.
const (
	SagaRunning = "running"
	SagaDone    = "done"
)

// StartSaga records that a workflow run began. Starting a saga that is
// already recorded keeps its original input and marks it running again.
func (s *Store) StartSaga(ctx context.Context, accountID, saga, input string) error {
	now := s.nowMs()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sagas (account_id, saga, status, input, started_ms, updated_ms)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (account_id, saga) DO UPDATE SET status = $3, updated_ms = $5`,
		accountID, saga, SagaRunning, input, now)
	if err != nil {
		return fmt.Errorf("start saga %s for %s: %w", saga, accountID, err)
	}
	return nil
}

// FinishSaga marks a workflow run complete.
func (s *Store) FinishSaga(ctx context.Context, accountID, saga string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sagas SET status = $1, updated_ms = $2 WHERE account_id = $3 AND saga = $4`,
		SagaDone, s.nowMs(), accountID, saga)
	if err != nil {
		return fmt.Errorf("finish saga %s for %s: %w", saga, accountID, err)
	}
	return nil
}

// GetSaga loads a workflow run.
func (s *Store) GetSaga(ctx context.Context, accountID, saga string) (*Saga, error) {
	var (
		g                  Saga
		startedMs, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, saga, status, input, started_ms, updated_ms FROM sagas WHERE account_id = $1 AND saga = $2`,
		accountID, saga).Scan(&g.AccountID, &g.Name, &g.Status, &g.Input, &startedMs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s for %s: %w", saga, accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s for %s: %w", saga, accountID, err)
	}
	g.StartedAt = fromMs(startedMs)
	g.UpdatedAt = fromMs(updated)
	return &g, nil
}

// PendingSagas lists unfinished runs of one workflow, oldest first.
func (s *Store) PendingSagas(ctx context.Context, saga string) ([]Saga, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, saga, status, input, started_ms, updated_ms FROM sagas
		WHERE saga = $1 AND status = $2 ORDER BY started_ms, account_id`, saga, SagaRunning)
	if err != nil {
		return nil, fmt.Errorf("list pending %s sagas: %w", saga, err)
	}
	defer rows.Close()

	var out []Saga
	for rows.Next() {
		var (
			g                  Saga
			startedMs, updated int64
		)
		if err := rows.Scan(&g.AccountID, &g.Name, &g.Status, &g.Input, &startedMs, &updated); err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		g.StartedAt = fromMs(startedMs)
		g.UpdatedAt = fromMs(updated)
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkStep records the status of one saga step.
func (s *Store) MarkStep(ctx context.Context, accountID, saga, step, status, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_steps (account_id, saga, step, status, detail, updated_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, saga, step) DO UPDATE SET status = $4, detail = $5, updated_ms = $6`,
		accountID, saga, step, status, detail, s.nowMs())
	if err != nil {
		return fmt.Errorf("mark %s/%s %s for %s: %w", saga, step, status, accountID, err)
	}
	return nil
}

// StepDone reports whether a saga step completed.
func (s *Store) StepDone(ctx context.Context, accountID, saga, step string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM saga_steps WHERE account_id = $1 AND saga = $2 AND step = $3`,
		accountID, saga, step).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s/%s for %s: %w", saga, step, accountID, err)
	}
	return status == StepDone, nil
}

// Steps returns every recorded step of a saga run.
func (s *Store) Steps(ctx context.Context, accountID, saga string) ([]SagaStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, saga, step, status, detail, updated_ms FROM saga_steps
		WHERE account_id = $1 AND saga = $2 ORDER BY updated_ms, step`, accountID, saga)
	if err != nil {
		return nil, fmt.Errorf("list %s steps for %s: %w", saga, accountID, err)
	}
	defer rows.Close()

	var out []SagaStep
	for rows.Next() {
		var (
			st        SagaStep
			updatedMs int64
		)
		if err := rows.Scan(&st.AccountID, &st.Saga, &st.Step, &st.Status, &st.Detail, &updatedMs); err != nil {
			return nil, fmt.Errorf("scan saga step: %w", err)
		}
		st.UpdatedAt = fromMs(updatedMs)
		out = append(out, st)
	}
	return out, rows.Err()
}
