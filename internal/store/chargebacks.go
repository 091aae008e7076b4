package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const chargebackColumns = `token, transaction_token, state, reason_code, amount, integration, remote_updated_ms, version`

func scanChargeback(row interface{ Scan(...any) error }) (*Chargeback, error) {
	var (
		c              Chargeback
		reason, amount sql.NullString
		integration    string
		remoteMs       int64
	)
	if err := row.Scan(&c.Token, &c.TransactionToken, &c.State, &reason, &amount, &integration, &remoteMs, &c.Version); err != nil {
		return nil, err
	}
	c.ReasonCode = strPtr(reason)
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, fmt.Errorf("chargeback %s amount: %w", c.Token, err)
		}
		c.Amount = &d
	}
	m, err := decodeMap(integration)
	if err != nil {
		return nil, err
	}
	c.Integration = m
	c.RemoteUpdatedAt = fromMs(remoteMs)
	return &c, nil
}

func chargebackFingerprint(c Chargeback) string {
	var amount *string
	if c.Amount != nil {
		s := c.Amount.String()
		amount = &s
	}
	return Fingerprint(c.TransactionToken, c.State, c.ReasonCode, amount)
}

// UpsertChargeback writes a chargeback projection under the ordering rule.
// canMove decides whether the stored state may move to the incoming one.
func (s *Store) UpsertChargeback(ctx context.Context, c Chargeback, canMove func(from, to string) error) (Change, error) {
	integration, err := encodeJSON(c.Integration)
	if err != nil {
		return Change{}, err
	}
	var amount sql.NullString
	if c.Amount != nil {
		amount = sql.NullString{String: c.Amount.String(), Valid: true}
	}
	fp := chargebackFingerprint(c)
	remoteMs := toMs(c.RemoteUpdatedAt)

	w := casWrite{
		table:       "chargebacks",
		token:       c.Token,
		remoteMs:    remoteMs,
		fingerprint: fp,
		insert: func(ctx context.Context) (bool, error) {
			return affectedOne(s.db.ExecContext(ctx, `
				INSERT INTO chargebacks (token, transaction_token, state, reason_code, amount, integration, fingerprint,
					remote_updated_ms, version, updated_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
				ON CONFLICT (token) DO NOTHING`,
				c.Token, c.TransactionToken, c.State, nullString(c.ReasonCode), amount, integration, fp, remoteMs, s.nowMs()))
		},
		update: func(ctx context.Context, version int64) (bool, error) {
			return affectedOne(s.db.ExecContext(ctx, `
				UPDATE chargebacks SET state = $1, reason_code = $2, amount = $3, integration = $4, fingerprint = $5,
					remote_updated_ms = $6, version = version + 1, updated_ms = $7
				WHERE token = $8 AND version = $9`,
				c.State, nullString(c.ReasonCode), amount, integration, fp, remoteMs, s.nowMs(), c.Token, version))
		},
	}
	if canMove != nil {
		w.guard = func(m rowMeta) error {
			return canMove(m.state, c.State)
		}
	}
	return s.cas(ctx, w)
}

// GetChargeback loads a chargeback by token.
func (s *Store) GetChargeback(ctx context.Context, token string) (*Chargeback, error) {
	c, err := scanChargeback(s.db.QueryRowContext(ctx, `SELECT `+chargebackColumns+` FROM chargebacks WHERE token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chargeback %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chargeback %s: %w", token, err)
	}
	return c, nil
}
