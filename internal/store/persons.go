package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const personColumns = `token, account_id, state, kyc_status, kyc_codes, identity, integration, remote_updated_ms, version`

func scanPerson(row interface{ Scan(...any) error }) (*Person, error) {
	var (
		p                            Person
		kyc                          sql.NullString
		codes, identity, integration string
		remoteMs                     int64
	)
	if err := row.Scan(&p.Token, &p.AccountID, &p.Status, &kyc, &codes, &identity, &integration, &remoteMs, &p.Version); err != nil {
		return nil, err
	}
	if kyc.Valid {
		k := KYCStatus(kyc.String)
		p.KYCStatus = &k
	}
	if err := json.Unmarshal([]byte(codes), &p.KYCCodes); err != nil {
		return nil, fmt.Errorf("person %s kyc codes: %w", p.Token, err)
	}
	if err := json.Unmarshal([]byte(identity), &p.Identity); err != nil {
		return nil, fmt.Errorf("person %s identity: %w", p.Token, err)
	}
	m, err := decodeMap(integration)
	if err != nil {
		return nil, err
	}
	p.Integration = m
	p.RemoteUpdatedAt = fromMs(remoteMs)
	return &p, nil
}

func personFingerprint(p Person) string {
	return Fingerprint(p.AccountID, p.Status, p.KYCStatus, p.KYCCodes, p.Identity)
}

// UpsertPerson writes a person projection under the ordering rule. CLOSED is
// absorbing.
func (s *Store) UpsertPerson(ctx context.Context, p Person) (Change, error) {
	if p.KYCCodes == nil {
		p.KYCCodes = []string{}
	}
	codes, err := encodeJSON(p.KYCCodes)
	if err != nil {
		return Change{}, err
	}
	identity, err := encodeJSON(p.Identity)
	if err != nil {
		return Change{}, err
	}
	integration, err := encodeJSON(p.Integration)
	if err != nil {
		return Change{}, err
	}
	var kyc sql.NullString
	if p.KYCStatus != nil {
		kyc = sql.NullString{String: string(*p.KYCStatus), Valid: true}
	}
	fp := personFingerprint(p)
	remoteMs := toMs(p.RemoteUpdatedAt)

	return s.cas(ctx, casWrite{
		table:       "persons",
		token:       p.Token,
		remoteMs:    remoteMs,
		fingerprint: fp,
		guard:       absorbing(string(PersonClosed), string(p.Status)),
		insert: func(ctx context.Context) (bool, error) {
			return affectedOne(s.db.ExecContext(ctx, `
				INSERT INTO persons (token, account_id, state, kyc_status, kyc_codes, identity, integration, fingerprint, remote_updated_ms, version, updated_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
				ON CONFLICT (token) DO NOTHING`,
				p.Token, p.AccountID, string(p.Status), kyc, codes, identity, integration, fp, remoteMs, s.nowMs()))
		},
		update: func(ctx context.Context, version int64) (bool, error) {
			return affectedOne(s.db.ExecContext(ctx, `
				UPDATE persons SET state = $1, kyc_status = $2, kyc_codes = $3, identity = $4, integration = $5,
					fingerprint = $6, remote_updated_ms = $7, version = version + 1, updated_ms = $8
				WHERE token = $9 AND version = $10`,
				string(p.Status), kyc, codes, identity, integration, fp, remoteMs, s.nowMs(), p.Token, version))
		},
	})
}

// GetPerson loads a person by remote token.
func (s *Store) GetPerson(ctx context.Context, token string) (*Person, error) {
	p, err := scanPerson(s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person %s: %w", token, err)
	}
	return p, nil
}

// PersonForAccount loads the person projection of an account.
func (s *Store) PersonForAccount(ctx context.Context, accountID string) (*Person, error) {
	p, err := scanPerson(s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE account_id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person of account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person of account %s: %w", accountID, err)
	}
	return p, nil
}

// ApprovedWithoutCard lists KYC-approved, non-closed persons holding no live
// card. These are onboardings that stopped before card issuance.
func (s *Store) ApprovedWithoutCard(ctx context.Context) ([]Person, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+personColumns+` FROM persons p
		WHERE p.kyc_status = $1 AND p.state <> $2
		AND NOT EXISTS (SELECT 1 FROM cards c WHERE c.person_token = p.token AND c.state <> $3)
		ORDER BY p.token`,
		string(KYCApproved), string(PersonClosed), string(StateTerminated))
	if err != nil {
		return nil, fmt.Errorf("list approved persons without card: %w", err)
	}
	defer rows.Close()

	var out []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
