package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const cardColumns = `token, account_id, person_token, instrument, state, fulfillment, last_four, expiration, integration, remote_updated_ms, version`

func scanCard(row interface{ Scan(...any) error }) (*Card, error) {
	var (
		c                                 Card
		fulfillment, lastFour, expiration sql.NullString
		integration                       string
		remoteMs                          int64
	)
	if err := row.Scan(&c.Token, &c.AccountID, &c.PersonToken, &c.Instrument, &c.State,
		&fulfillment, &lastFour, &expiration, &integration, &remoteMs, &c.Version); err != nil {
		return nil, err
	}
	c.Fulfillment = strPtr(fulfillment)
	c.LastFour = strPtr(lastFour)
	c.Expiration = strPtr(expiration)
	m, err := decodeMap(integration)
	if err != nil {
		return nil, err
	}
	c.Integration = m
	c.RemoteUpdatedAt = fromMs(remoteMs)
	return &c, nil
}

func cardFingerprint(c Card) string {
	return Fingerprint(c.AccountID, c.PersonToken, c.Instrument, c.State, c.Fulfillment, c.LastFour, c.Expiration)
}

// UpsertCard writes a card projection under the ordering rule. TERMINATED is
// absorbing.
func (s *Store) UpsertCard(ctx context.Context, c Card) (Change, error) {
	integration, err := encodeJSON(c.Integration)
	if err != nil {
		return Change{}, err
	}
	fp := cardFingerprint(c)
	remoteMs := toMs(c.RemoteUpdatedAt)

	return s.cas(ctx, casWrite{
		table:       "cards",
		token:       c.Token,
		remoteMs:    remoteMs,
		fingerprint: fp,
		guard:       absorbing(string(StateTerminated), string(c.State)),
		insert: func(ctx context.Context) (bool, error) {
			return affectedOne(s.db.ExecContext(ctx, `
				INSERT INTO cards (token, account_id, person_token, instrument, state, fulfillment, last_four, expiration,
					integration, fingerprint, remote_updated_ms, version, updated_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12)
				ON CONFLICT (token) DO NOTHING`,
				c.Token, c.AccountID, c.PersonToken, string(c.Instrument), string(c.State),
				nullString(c.Fulfillment), nullString(c.LastFour), nullString(c.Expiration),
				integration, fp, remoteMs, s.nowMs()))
		},
		update: func(ctx context.Context, version int64) (bool, error) {
			return affectedOne(s.db.ExecContext(ctx, `
				UPDATE cards SET instrument = $1, state = $2, fulfillment = $3, last_four = $4, expiration = $5,
					integration = $6, fingerprint = $7, remote_updated_ms = $8, version = version + 1, updated_ms = $9
				WHERE token = $10 AND version = $11`,
				string(c.Instrument), string(c.State), nullString(c.Fulfillment), nullString(c.LastFour),
				nullString(c.Expiration), integration, fp, remoteMs, s.nowMs(), c.Token, version))
		},
	})
}

// GetCard loads a card by remote token.
func (s *Store) GetCard(ctx context.Context, token string) (*Card, error) {
	c, err := scanCard(s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get card %s: %w", token, err)
	}
	return c, nil
}

func (s *Store) queryCards(ctx context.Context, where string, args ...any) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards `+where+` ORDER BY token`, args...)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var out []Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListCards returns every known card.
func (s *Store) ListCards(ctx context.Context) ([]Card, error) {
	return s.queryCards(ctx, "")
}

// CardsForAccount returns the cards of one account.
func (s *Store) CardsForAccount(ctx context.Context, accountID string) ([]Card, error) {
	return s.queryCards(ctx, `WHERE account_id = $1`, accountID)
}

// LiveCards returns cards that can still move money.
func (s *Store) LiveCards(ctx context.Context) ([]Card, error) {
	return s.queryCards(ctx, `WHERE state IN ($1, $2)`, string(StateActive), string(StateSuspended))
}

// AppendCardTransition appends a journal entry. seal computes the entry hash
// from the previous hash and the entry's sequence number; it is called again
// if another writer appended first.
func (s *Store) AppendCardTransition(ctx context.Context, rec CardTransitionRecord, seal func(prevHash string, rec CardTransitionRecord) string) (*CardTransitionRecord, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			lastSeq  sql.NullInt64
			lastHash sql.NullString
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT seq, hash FROM card_transitions WHERE card_token = $1 ORDER BY seq DESC LIMIT 1`,
			rec.CardToken).Scan(&lastSeq, &lastHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read journal head of %s: %w", rec.CardToken, err)
		}

		entry := rec
		entry.ID = uuid.NewString()
		entry.Seq = lastSeq.Int64 + 1
		entry.PrevHash = lastHash.String
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = s.now()
		}
		entry.CreatedAt = entry.CreatedAt.UTC().Truncate(time.Millisecond)
		entry.Hash = seal(entry.PrevHash, entry)

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO card_transitions (id, card_token, seq, from_state, to_state, reason_code, channel, source, created_by, prev_hash, hash, created_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			entry.ID, entry.CardToken, entry.Seq, string(entry.FromState), string(entry.ToState), entry.ReasonCode,
			entry.Channel, entry.Source, entry.CreatedBy, entry.PrevHash, entry.Hash, toMs(entry.CreatedAt))
		if err == nil {
			return &entry, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("append journal of %s: %w", rec.CardToken, err)
		}
	}
	return nil, fmt.Errorf("%w: journal of %s", ErrConflict, rec.CardToken)
}

// CardTransitions returns the journal of a card in sequence order.
func (s *Store) CardTransitions(ctx context.Context, cardToken string) ([]CardTransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card_token, seq, from_state, to_state, reason_code, channel, source, created_by, prev_hash, hash, created_ms
		FROM card_transitions WHERE card_token = $1 ORDER BY seq`, cardToken)
	if err != nil {
		return nil, fmt.Errorf("list journal of %s: %w", cardToken, err)
	}
	defer rows.Close()

	var out []CardTransitionRecord
	for rows.Next() {
		var (
			r         CardTransitionRecord
			createdMs int64
		)
		if err := rows.Scan(&r.ID, &r.CardToken, &r.Seq, &r.FromState, &r.ToState, &r.ReasonCode, &r.Channel,
			&r.Source, &r.CreatedBy, &r.PrevHash, &r.Hash, &createdMs); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		r.CreatedAt = fromMs(createdMs)
		out = append(out, r)
	}
	return out, rows.Err()
}
