package db

import (
	"context"

	"github.com/jmoiron/sqlx"
)

const schemaMigration = `
CREATE EXTENSION IF NOT EXISTS "pgcrypto";

CREATE TABLE IF NOT EXISTS users (
    id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    email text NOT NULL,
    real_email text NOT NULL,
    provider text NOT NULL,
    password_hash text NOT NULL DEFAULT '',
    primary_account_id uuid REFERENCES users(id),
    email_verified boolean NOT NULL DEFAULT false,
    metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
    last_login_at timestamptz,
    created_at timestamptz NOT NULL DEFAULT NOW(),
    updated_at timestamptz NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_unique
ON users (LOWER(email));

CREATE UNIQUE INDEX IF NOT EXISTS users_real_email_provider_unique
ON users (LOWER(real_email), provider);

CREATE INDEX IF NOT EXISTS users_real_email_idx
ON users (LOWER(real_email));

CREATE TABLE IF NOT EXISTS linked_accounts (
    id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    primary_user_id uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    linked_user_id uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    verified boolean NOT NULL DEFAULT false,
    metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
    linked_at timestamptz NOT NULL DEFAULT NOW(),
    verified_at timestamptz,
    CONSTRAINT linked_accounts_no_self_link CHECK (primary_user_id <> linked_user_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS linked_accounts_pair_unique
ON linked_accounts (LEAST(primary_user_id, linked_user_id), GREATEST(primary_user_id, linked_user_id));

CREATE INDEX IF NOT EXISTS linked_accounts_primary_idx ON linked_accounts (primary_user_id);
CREATE INDEX IF NOT EXISTS linked_accounts_linked_idx ON linked_accounts (linked_user_id);

CREATE TABLE IF NOT EXISTS verification_codes (
    id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id uuid NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    email text NOT NULL,
    purpose text NOT NULL,
    code_hash text NOT NULL,
    expires_at timestamptz NOT NULL,
    attempts integer NOT NULL DEFAULT 0,
    verified boolean NOT NULL DEFAULT false,
    metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
    created_at timestamptz NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS verification_codes_tuple_idx
ON verification_codes (user_id, LOWER(email), purpose);

CREATE INDEX IF NOT EXISTS verification_codes_expires_idx
ON verification_codes (expires_at);

CREATE TABLE IF NOT EXISTS account_linking_audit (
    id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id uuid NOT NULL,
    linked_id uuid,
    action text NOT NULL,
    performed_by text NOT NULL,
    metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
    created_at timestamptz NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS account_linking_audit_user_idx
ON account_linking_audit (user_id, created_at);
`

// Migrate applies the embedded schema. Statements are idempotent so it is safe
// to run on every startup.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schemaMigration)
	return err
}
