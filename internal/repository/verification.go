package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shelfmark/shelfmark/internal/domain"
)

const codeColumns = `id, user_id, email, purpose, code_hash, expires_at, attempts, verified, metadata, created_at`

// VerificationCodeRepository handles verification-code data access.
type VerificationCodeRepository struct {
	db *sqlx.DB
}

// NewVerificationCodeRepository creates a new VerificationCodeRepository.
func NewVerificationCodeRepository(db *sqlx.DB) *VerificationCodeRepository {
	return &VerificationCodeRepository{db: db}
}

// Create inserts a new code row.
func (r *VerificationCodeRepository) Create(ctx context.Context, code domain.VerificationCode) (*domain.VerificationCode, error) {
	if code.ID == "" {
		code.ID = uuid.NewString()
	}

	var result domain.VerificationCode
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO verification_codes (id, user_id, email, purpose, code_hash, expires_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+codeColumns,
		code.ID, code.UserID, code.Email, code.Purpose, code.CodeHash, code.ExpiresAt, code.Metadata,
	).StructScan(&result)
	if err != nil {
		return nil, fmt.Errorf("create verification code: %w", err)
	}
	return &result, nil
}

// ExpireActive invalidates every unverified, unexpired code for a (user, email,
// purpose) tuple by moving its expiry into the past. Rows are kept for the
// rolling rate-limit window; the sweeper removes them later.
func (r *VerificationCodeRepository) ExpireActive(ctx context.Context, userID, email string, purpose domain.CodePurpose) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE verification_codes
		 SET expires_at = NOW() - interval '1 second'
		 WHERE user_id = $1 AND LOWER(email) = LOWER($2) AND purpose = $3
		   AND verified = false AND expires_at > NOW()`,
		userID, email, purpose)
	if err != nil {
		return fmt.Errorf("expire active codes: %w", err)
	}
	return nil
}

// FindActiveByHash retrieves the unverified, unexpired code matching a hash for
// the tuple. A miss is domain.ErrNotFound whether the code never existed or has
// expired; the service layer distinguishes the two for messaging.
func (r *VerificationCodeRepository) FindActiveByHash(ctx context.Context, userID, email string, purpose domain.CodePurpose, codeHash string) (*domain.VerificationCode, error) {
	var code domain.VerificationCode
	err := r.db.GetContext(ctx, &code,
		`SELECT `+codeColumns+` FROM verification_codes
		 WHERE user_id = $1 AND LOWER(email) = LOWER($2) AND purpose = $3
		   AND code_hash = $4 AND verified = false AND expires_at > NOW()
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, email, purpose, codeHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find active code: %w", err)
	}
	return &code, nil
}

// FindLatest retrieves the most recent code for the tuple regardless of state.
func (r *VerificationCodeRepository) FindLatest(ctx context.Context, userID, email string, purpose domain.CodePurpose) (*domain.VerificationCode, error) {
	var code domain.VerificationCode
	err := r.db.GetContext(ctx, &code,
		`SELECT `+codeColumns+` FROM verification_codes
		 WHERE user_id = $1 AND LOWER(email) = LOWER($2) AND purpose = $3
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, email, purpose)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find latest code: %w", err)
	}
	return &code, nil
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (r *VerificationCodeRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.GetContext(ctx, &attempts,
		`UPDATE verification_codes SET attempts = attempts + 1
		 WHERE id = $1
		 RETURNING attempts`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts for code %s: %w", id, err)
	}
	return attempts, nil
}

// MarkVerified consumes a code; codes are single-use.
func (r *VerificationCodeRepository) MarkVerified(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE verification_codes SET verified = true WHERE id = $1 AND verified = false`, id)
	if err != nil {
		return fmt.Errorf("mark code %s verified: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Invalidate expires a code immediately, regardless of state.
func (r *VerificationCodeRepository) Invalidate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE verification_codes SET expires_at = NOW() - interval '1 second' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("invalidate code %s: %w", id, err)
	}
	return nil
}

// CountIssuedSince counts codes created for a tuple inside the rolling window,
// and reports the creation time of the oldest one for wait-hint computation.
func (r *VerificationCodeRepository) CountIssuedSince(ctx context.Context, userID, email string, purpose domain.CodePurpose, since time.Time) (int, *time.Time, error) {
	var row struct {
		Count  int          `db:"count"`
		Oldest sql.NullTime `db:"oldest"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS count, MIN(created_at) AS oldest
		 FROM verification_codes
		 WHERE user_id = $1 AND LOWER(email) = LOWER($2) AND purpose = $3 AND created_at > $4`,
		userID, email, purpose, since)
	if err != nil {
		return 0, nil, fmt.Errorf("count issued codes: %w", err)
	}
	if !row.Oldest.Valid {
		return row.Count, nil, nil
	}
	return row.Count, &row.Oldest.Time, nil
}

// DeleteStale removes expired codes and verified codes older than the given
// age. Called by the background sweeper only.
func (r *VerificationCodeRepository) DeleteStale(ctx context.Context, verifiedOlderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM verification_codes
		 WHERE expires_at < NOW() - interval '1 hour'
		    OR (verified = true AND created_at < $1)`,
		time.Now().Add(-verifiedOlderThan))
	if err != nil {
		return 0, fmt.Errorf("delete stale codes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
