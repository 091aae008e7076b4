package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const transactionColumns = `token, person_token, card_token, tx_type, remote_type, state, amount, currency, preceding_token, merchant_name, occurred_ms, integration, remote_updated_ms, version`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	var (
		t                         Transaction
		card, preceding, merchant sql.NullString
		amount, integration       string
		occurred                  sql.NullInt64
		remoteMs                  int64
	)
	if err := row.Scan(&t.Token, &t.PersonToken, &card, &t.Type, &t.RemoteType, &t.Settlement, &amount, &t.Currency,
		&preceding, &merchant, &occurred, &integration, &remoteMs, &t.Version); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s amount: %w", t.Token, err)
	}
	t.Amount = d
	t.CardToken = strPtr(card)
	t.PrecedingToken = strPtr(preceding)
	t.MerchantName = strPtr(merchant)
	t.OccurredAt = msPtr(occurred)
	m, err := decodeMap(integration)
	if err != nil {
		return nil, err
	}
	t.Integration = m
	t.RemoteUpdatedAt = fromMs(remoteMs)
	return &t, nil
}

// Only settlement fields take part: the rest of a transaction is immutable.
func transactionFingerprint(t Transaction) string {
	return Fingerprint(t.Settlement, t.RemoteType)
}

// UpsertTransaction inserts a new transaction or, for a known token, updates
// its settlement fields under the ordering rule. Amount, type and the other
// descriptive fields of a stored transaction are never rewritten.
func (s *Store) UpsertTransaction(ctx context.Context, t Transaction) (Change, error) {
	integration, err := encodeJSON(t.Integration)
	if err != nil {
		return Change{}, err
	}
	fp := transactionFingerprint(t)
	remoteMs := toMs(t.RemoteUpdatedAt)

	return s.cas(ctx, casWrite{
		table:       "transactions",
		token:       t.Token,
		remoteMs:    remoteMs,
		fingerprint: fp,
		insert: func(ctx context.Context) (bool, error) {
			return affectedOne(s.db.ExecContext(ctx, `
				INSERT INTO transactions (token, person_token, card_token, tx_type, remote_type, state, amount, currency,
					preceding_token, merchant_name, occurred_ms, integration, fingerprint, remote_updated_ms, version, updated_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15)
				ON CONFLICT (token) DO NOTHING`,
				t.Token, t.PersonToken, nullString(t.CardToken), string(t.Type), t.RemoteType, string(t.Settlement),
				t.Amount.String(), t.Currency, nullString(t.PrecedingToken), nullString(t.MerchantName),
				nullMs(t.OccurredAt), integration, fp, remoteMs, s.nowMs()))
		},
		update: func(ctx context.Context, version int64) (bool, error) {
			return affectedOne(s.db.ExecContext(ctx, `
				UPDATE transactions SET state = $1, remote_type = $2, integration = $3, fingerprint = $4,
					remote_updated_ms = $5, version = version + 1, updated_ms = $6
				WHERE token = $7 AND version = $8`,
				string(t.Settlement), t.RemoteType, integration, fp, remoteMs, s.nowMs(), t.Token, version))
		},
	})
}

// ApplySettlement moves an already known transaction to a new settlement
// state, as reported by a follow-up clearing or reversal that references it.
// The follow-up's own timestamp orders the write.
func (s *Store) ApplySettlement(ctx context.Context, token string, settlement Settlement, observedMs int64) (Change, error) {
	current, err := s.GetTransaction(ctx, token)
	if err != nil {
		return Change{}, err
	}
	next := *current
	next.Settlement = settlement
	fp := transactionFingerprint(next)

	return s.cas(ctx, casWrite{
		table:       "transactions",
		token:       token,
		remoteMs:    observedMs,
		fingerprint: fp,
		insert: func(ctx context.Context) (bool, error) {
			return false, fmt.Errorf("settle transaction %s: %w", token, ErrNotFound)
		},
		update: func(ctx context.Context, version int64) (bool, error) {
			return affectedOne(s.db.ExecContext(ctx, `
				UPDATE transactions SET state = $1, fingerprint = $2, remote_updated_ms = $3, version = version + 1, updated_ms = $4
				WHERE token = $5 AND version = $6`,
				string(settlement), fp, observedMs, s.nowMs(), token, version))
		},
	})
}

// GetTransaction loads a transaction by remote token.
func (s *Store) GetTransaction(ctx context.Context, token string) (*Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", token, err)
	}
	return t, nil
}

// TransactionsForCard returns the transactions of a card, oldest first.
func (s *Store) TransactionsForCard(ctx context.Context, cardToken string) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE card_token = $1 ORDER BY occurred_ms, token`, cardToken)
	if err != nil {
		return nil, fmt.Errorf("list transactions of %s: %w", cardToken, err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
