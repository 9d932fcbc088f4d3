package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/shelfmark/shelfmark/internal/domain"
)

const userColumns = `id, email, real_email, provider, password_hash, primary_account_id,
	email_verified, metadata, last_login_at, created_at, updated_at`

// UserRepository handles identity data access operations.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID retrieves an identity by its ID.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := r.db.GetContext(ctx, &user,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find user by id %s: %w", id, err)
	}
	return &user, nil
}

// FindByRealEmailAndProvider retrieves the identity owning a real email for one
// provider. Synthesized login emails never participate in this lookup, so an
// account created under a colliding email is still found here (the "disguised
// match" case).
func (r *UserRepository) FindByRealEmailAndProvider(ctx context.Context, email string, provider domain.Provider) (*domain.User, error) {
	var user domain.User
	err := r.db.GetContext(ctx, &user,
		`SELECT `+userColumns+` FROM users
		 WHERE LOWER(real_email) = LOWER($1) AND provider = $2`, email, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find user by email %s provider %s: %w", email, provider, err)
	}
	return &user, nil
}

// FindByRealEmail retrieves every identity sharing a real email, across all
// providers, oldest first.
func (r *UserRepository) FindByRealEmail(ctx context.Context, email string) ([]domain.User, error) {
	var users []domain.User
	err := r.db.SelectContext(ctx, &users,
		`SELECT `+userColumns+` FROM users
		 WHERE LOWER(real_email) = LOWER($1)
		 ORDER BY created_at`, email)
	if err != nil {
		return nil, fmt.Errorf("find users by email %s: %w", email, err)
	}
	return users, nil
}

// Create inserts a new identity row.
func (r *UserRepository) Create(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	var result domain.User
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO users (id, email, real_email, provider, password_hash,
		                    primary_account_id, email_verified, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+userColumns,
		user.ID, user.Email, user.RealEmail, user.Provider, user.PasswordHash,
		user.PrimaryAccountID, user.EmailVerified, user.Metadata,
	).StructScan(&result)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrConflict
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &result, nil
}

// TouchLogin refreshes last_login_at and the stored trust metadata.
func (r *UserRepository) TouchLogin(ctx context.Context, id string, metadata domain.UserMetadata) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET last_login_at = NOW(), updated_at = NOW(), metadata = $2
		 WHERE id = $1`, id, metadata)
	if err != nil {
		return fmt.Errorf("touch login for user %s: %w", id, err)
	}
	return nil
}

// MarkEmailVerified sets the email_verified flag.
func (r *UserRepository) MarkEmailVerified(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET email_verified = true, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark email verified for user %s: %w", id, err)
	}
	return nil
}

// SetPrimaryAccount updates the non-authoritative primary-account hint.
func (r *UserRepository) SetPrimaryAccount(ctx context.Context, id, primaryID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET primary_account_id = $2, updated_at = NOW() WHERE id = $1`,
		id, primaryID)
	if err != nil {
		return fmt.Errorf("set primary account for user %s: %w", id, err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
