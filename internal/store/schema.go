package store

import (
	"context"
	"fmt"
)

// schema is portable between PostgreSQL and SQLite: text keys, integer
// millisecond timestamps, JSON kept as text, amounts as decimal strings.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		first_name TEXT,
		last_name TEXT,
		phone TEXT,
		person_token TEXT UNIQUE,
		status TEXT NOT NULL DEFAULT 'active',
		low_balance INTEGER NOT NULL DEFAULT 0,
		available_balance TEXT,
		created_ms BIGINT NOT NULL,
		updated_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email)`,

	`CREATE TABLE IF NOT EXISTS persons (
		token TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		state TEXT NOT NULL,
		kyc_status TEXT,
		kyc_codes TEXT NOT NULL DEFAULT '[]',
		identity TEXT NOT NULL DEFAULT '{}',
		integration TEXT NOT NULL DEFAULT '{}',
		fingerprint TEXT NOT NULL,
		remote_updated_ms BIGINT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		updated_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_persons_account ON persons(account_id)`,

	`CREATE TABLE IF NOT EXISTS cards (
		token TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		person_token TEXT NOT NULL,
		instrument TEXT NOT NULL,
		state TEXT NOT NULL,
		fulfillment TEXT,
		last_four TEXT,
		expiration TEXT,
		integration TEXT NOT NULL DEFAULT '{}',
		fingerprint TEXT NOT NULL,
		remote_updated_ms BIGINT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		updated_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cards_account ON cards(account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cards_state ON cards(state)`,

	`CREATE TABLE IF NOT EXISTS card_transitions (
		id TEXT PRIMARY KEY,
		card_token TEXT NOT NULL,
		seq BIGINT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		channel TEXT NOT NULL,
		source TEXT NOT NULL,
		created_by TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_ms BIGINT NOT NULL,
		UNIQUE (card_token, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS deposit_accounts (
		id TEXT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		person_token TEXT NOT NULL,
		account_number TEXT,
		routing_number TEXT,
		state TEXT NOT NULL,
		superseded_by TEXT,
		compensation_pending INTEGER NOT NULL DEFAULT 0,
		integration TEXT NOT NULL DEFAULT '{}',
		fingerprint TEXT NOT NULL,
		remote_updated_ms BIGINT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		updated_ms BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_deposit_accounts_one_active
		ON deposit_accounts(account_id) WHERE state = 'ACTIVE'`,

	`CREATE TABLE IF NOT EXISTS transactions (
		token TEXT PRIMARY KEY,
		person_token TEXT NOT NULL,
		card_token TEXT,
		tx_type TEXT NOT NULL,
		remote_type TEXT NOT NULL,
		state TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		preceding_token TEXT,
		merchant_name TEXT,
		occurred_ms BIGINT,
		integration TEXT NOT NULL DEFAULT '{}',
		fingerprint TEXT NOT NULL,
		remote_updated_ms BIGINT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		updated_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_card ON transactions(card_token)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_preceding ON transactions(preceding_token)`,

	`CREATE TABLE IF NOT EXISTS chargebacks (
		token TEXT PRIMARY KEY,
		transaction_token TEXT NOT NULL,
		state TEXT NOT NULL,
		reason_code TEXT,
		amount TEXT,
		integration TEXT NOT NULL DEFAULT '{}',
		fingerprint TEXT NOT NULL,
		remote_updated_ms BIGINT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		updated_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chargebacks_transaction ON chargebacks(transaction_token)`,

	`CREATE TABLE IF NOT EXISTS sagas (
		account_id TEXT NOT NULL,
		saga TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		started_ms BIGINT NOT NULL,
		updated_ms BIGINT NOT NULL,
		PRIMARY KEY (account_id, saga)
	)`,
	`CREATE TABLE IF NOT EXISTS saga_steps (
		account_id TEXT NOT NULL,
		saga TEXT NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		updated_ms BIGINT NOT NULL,
		PRIMARY KEY (account_id, saga, step)
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
