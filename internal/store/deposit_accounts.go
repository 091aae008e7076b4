package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const depositColumns = `id, token, account_id, person_token, account_number, routing_number, state, superseded_by, compensation_pending, integration, remote_updated_ms, version`

func scanDepositAccount(row interface{ Scan(...any) error }) (*DepositAccount, error) {
	var (
		d                             DepositAccount
		number, routing, supersededBy sql.NullString
		integration                   string
		pending                       int
		remoteMs                      int64
	)
	if err := row.Scan(&d.ID, &d.Token, &d.AccountID, &d.PersonToken, &number, &routing, &d.State,
		&supersededBy, &pending, &integration, &remoteMs, &d.Version); err != nil {
		return nil, err
	}
	d.CompensationPending = pending != 0
	d.AccountNumber = strPtr(number)
	d.RoutingNumber = strPtr(routing)
	d.SupersededBy = strPtr(supersededBy)
	m, err := decodeMap(integration)
	if err != nil {
		return nil, err
	}
	d.Integration = m
	d.RemoteUpdatedAt = fromMs(remoteMs)
	return &d, nil
}

func depositFingerprint(d DepositAccount) string {
	return Fingerprint(d.AccountID, d.PersonToken, d.AccountNumber, d.RoutingNumber, d.State)
}

func (s *Store) insertDeposit(ctx context.Context, d DepositAccount) (bool, error) {
	integration, err := encodeJSON(d.Integration)
	if err != nil {
		return false, err
	}
	pending := 0
	if d.CompensationPending {
		pending = 1
	}
	ok, err := affectedOne(s.db.ExecContext(ctx, `
		INSERT INTO deposit_accounts (id, token, account_id, person_token, account_number, routing_number, state,
			superseded_by, compensation_pending, integration, fingerprint, remote_updated_ms, version, updated_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13)
		ON CONFLICT (token) DO NOTHING`,
		d.ID, d.Token, d.AccountID, d.PersonToken, nullString(d.AccountNumber), nullString(d.RoutingNumber),
		string(d.State), nullString(d.SupersededBy), pending, integration, depositFingerprint(d), toMs(d.RemoteUpdatedAt), s.nowMs()))
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("deposit account %s for %s: %w", d.Token, d.AccountID, ErrDuplicateActive)
		}
		return false, fmt.Errorf("insert deposit account %s: %w", d.Token, err)
	}
	return ok, nil
}

// InsertDepositAccount is the atomic insert-if-absent used by provisioning.
// The partial unique index on ACTIVE rows turns a concurrent second ACTIVE
// account into ErrDuplicateActive. Inserting a token that already exists
// returns the stored row.
func (s *Store) InsertDepositAccount(ctx context.Context, d DepositAccount) (*DepositAccount, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	ok, err := s.insertDeposit(ctx, d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.GetDepositAccount(ctx, d.Token)
	}
	d.Version = 1
	return &d, nil
}

// UpsertDepositAccount writes a deposit account projection under the ordering
// rule. TERMINATED is absorbing; a second ACTIVE account for the same local
// account fails with ErrDuplicateActive.
func (s *Store) UpsertDepositAccount(ctx context.Context, d DepositAccount) (Change, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	integration, err := encodeJSON(d.Integration)
	if err != nil {
		return Change{}, err
	}
	fp := depositFingerprint(d)
	remoteMs := toMs(d.RemoteUpdatedAt)

	return s.cas(ctx, casWrite{
		table:       "deposit_accounts",
		token:       d.Token,
		remoteMs:    remoteMs,
		fingerprint: fp,
		guard:       absorbing(string(StateTerminated), string(d.State)),
		insert: func(ctx context.Context) (bool, error) {
			return s.insertDeposit(ctx, d)
		},
		update: func(ctx context.Context, version int64) (bool, error) {
			ok, err := affectedOne(s.db.ExecContext(ctx, `
				UPDATE deposit_accounts SET account_number = $1, routing_number = $2, state = $3, integration = $4,
					fingerprint = $5, remote_updated_ms = $6, version = version + 1, updated_ms = $7,
					compensation_pending = CASE WHEN $3 = 'TERMINATED' THEN 0 ELSE compensation_pending END
				WHERE token = $8 AND version = $9`,
				nullString(d.AccountNumber), nullString(d.RoutingNumber), string(d.State), integration,
				fp, remoteMs, s.nowMs(), d.Token, version))
			if err != nil && isUniqueViolation(err) {
				return false, fmt.Errorf("deposit account %s: %w", d.Token, ErrDuplicateActive)
			}
			return ok, err
		},
	})
}

// GetDepositAccount loads a deposit account by remote token.
func (s *Store) GetDepositAccount(ctx context.Context, token string) (*DepositAccount, error) {
	d, err := scanDepositAccount(s.db.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM deposit_accounts WHERE token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deposit account %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit account %s: %w", token, err)
	}
	return d, nil
}

// ActiveDepositAccount returns the single ACTIVE deposit account of an account.
func (s *Store) ActiveDepositAccount(ctx context.Context, accountID string) (*DepositAccount, error) {
	d, err := scanDepositAccount(s.db.QueryRowContext(ctx, `
		SELECT `+depositColumns+` FROM deposit_accounts WHERE account_id = $1 AND state = $2`,
		accountID, string(StateActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active deposit account of %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active deposit account of %s: %w", accountID, err)
	}
	return d, nil
}

func (s *Store) queryDeposits(ctx context.Context, where string, args ...any) ([]DepositAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+depositColumns+` FROM deposit_accounts `+where+` ORDER BY token`, args...)
	if err != nil {
		return nil, fmt.Errorf("list deposit accounts: %w", err)
	}
	defer rows.Close()

	var out []DepositAccount
	for rows.Next() {
		d, err := scanDepositAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deposit account: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DepositAccountsForAccount returns every deposit account row of an account,
// superseded ones included.
func (s *Store) DepositAccountsForAccount(ctx context.Context, accountID string) ([]DepositAccount, error) {
	return s.queryDeposits(ctx, `WHERE account_id = $1`, accountID)
}

// PendingCompensations returns superseded accounts not yet confirmed
// TERMINATED on the platform.
func (s *Store) PendingCompensations(ctx context.Context) ([]DepositAccount, error) {
	return s.queryDeposits(ctx, `WHERE compensation_pending = 1`)
}

// ClearCompensation records that a superseded account is TERMINATED remotely.
func (s *Store) ClearCompensation(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE deposit_accounts SET compensation_pending = 0, updated_ms = $1 WHERE token = $2`,
		s.nowMs(), token); err != nil {
		return fmt.Errorf("clear compensation of %s: %w", token, err)
	}
	return nil
}
