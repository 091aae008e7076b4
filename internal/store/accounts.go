package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, email, first_name, last_name, phone, person_token, status, low_balance, available_balance, created_ms, updated_ms`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		a                         Account
		first, last, phone, token sql.NullString
		balance                   sql.NullString
		createdMs, updatedMs      int64
	)
	if err := row.Scan(&a.ID, &a.Email, &first, &last, &phone, &token, &a.Status, &a.LowBalance, &balance, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	a.FirstName = strPtr(first)
	a.LastName = strPtr(last)
	a.Phone = strPtr(phone)
	a.PersonToken = strPtr(token)
	if balance.Valid {
		d, err := decimal.NewFromString(balance.String)
		if err != nil {
			return nil, fmt.Errorf("account %s balance: %w", a.ID, err)
		}
		a.AvailableBalance = &d
	}
	a.CreatedAt = fromMs(createdMs)
	a.UpdatedAt = fromMs(updatedMs)
	return &a, nil
}

// CreateAccount inserts an application account. An empty ID is generated.
func (s *Store) CreateAccount(ctx context.Context, a Account) (*Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AccountActive
	}
	now := s.nowMs()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, first_name, last_name, phone, person_token, status, low_balance, created_ms, updated_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)`,
		a.ID, strings.ToLower(strings.TrimSpace(a.Email)), nullString(a.FirstName), nullString(a.LastName),
		nullString(a.Phone), nullString(a.PersonToken), a.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create account %s: %w", a.ID, ErrTokenBound)
		}
		return nil, fmt.Errorf("create account %s: %w", a.ID, err)
	}
	return s.GetAccount(ctx, a.ID)
}

// GetAccount loads an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// AccountByPersonToken finds the account bound to a remote person token.
func (s *Store) AccountByPersonToken(ctx context.Context, token string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE person_token = $1`, token)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account for person %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account for person %s: %w", token, err)
	}
	return a, nil
}

// ListIntegratedAccounts returns active accounts bound to a remote person.
func (s *Store) ListIntegratedAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE person_token IS NOT NULL AND status = $1 ORDER BY created_ms, id`, AccountActive)
	if err != nil {
		return nil, fmt.Errorf("list integrated accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// BindPersonToken binds a remote person token to an account. Binding the same
// token again is a no-op; any other rebinding fails with ErrTokenBound.
func (s *Store) BindPersonToken(ctx context.Context, accountID, token string) error {
	ok, err := affectedOne(s.db.ExecContext(ctx, `
		UPDATE accounts SET person_token = $1, updated_ms = $2
		WHERE id = $3 AND status = $4 AND (person_token IS NULL OR person_token = $1)`,
		token, s.nowMs(), accountID, AccountActive))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bind %s to account %s: %w", token, accountID, ErrTokenBound)
		}
		return fmt.Errorf("bind %s to account %s: %w", token, accountID, err)
	}
	if ok {
		return nil
	}
	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a.Status != AccountActive {
		return fmt.Errorf("bind %s to %s account %s: %w", token, a.Status, accountID, ErrTokenBound)
	}
	return fmt.Errorf("bind %s to account %s: %w", token, accountID, ErrTokenBound)
}

// ScrubAccountContacts anonymizes contact fields of a closed account and its
// person projection. The token binding is frozen, rows are kept.
func (s *Store) ScrubAccountContacts(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scrub: %w", err)
	}
	defer tx.Rollback()

	now := s.nowMs()
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET email = $1, first_name = NULL, last_name = NULL, phone = NULL, status = $2, updated_ms = $3
		WHERE id = $4`,
		"closed+"+accountID+"@invalid", AccountClosed, now, accountID)
	if ok, err := affectedOne(res, err); err != nil {
		return fmt.Errorf("scrub account %s: %w", accountID, err)
	} else if !ok {
		return fmt.Errorf("scrub account %s: %w", accountID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE persons SET identity = '{}', integration = '{}', updated_ms = $1 WHERE account_id = $2`,
		now, accountID); err != nil {
		return fmt.Errorf("scrub person of account %s: %w", accountID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scrub: %w", err)
	}
	return nil
}

// SetBalance records the last seen balance and the low-balance flag.
func (s *Store) SetBalance(ctx context.Context, accountID string, available decimal.Decimal, low bool) error {
	lowInt := 0
	if low {
		lowInt = 1
	}
	ok, err := affectedOne(s.db.ExecContext(ctx, `
		UPDATE accounts SET available_balance = $1, low_balance = $2, updated_ms = $3 WHERE id = $4`,
		available.String(), lowInt, s.nowMs(), accountID))
	if err != nil {
		return fmt.Errorf("set balance of %s: %w", accountID, err)
	}
	if !ok {
		return fmt.Errorf("set balance of %s: %w", accountID, ErrNotFound)
	}
	return nil
}
