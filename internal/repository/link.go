package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shelfmark/shelfmark/internal/domain"
)

const linkColumns = `id, primary_user_id, linked_user_id, verified, metadata, linked_at, verified_at`

// LinkRepository is the persistence boundary for linked-account edges. No
// business logic lives here; the orchestrator and resolver call into it.
type LinkRepository struct {
	db *sqlx.DB
}

// NewLinkRepository creates a new LinkRepository.
func NewLinkRepository(db *sqlx.DB) *LinkRepository {
	return &LinkRepository{db: db}
}

// FindBetween retrieves the edge between two identities, matching either
// direction of the stored pair.
func (r *LinkRepository) FindBetween(ctx context.Context, userA, userB string) (*domain.LinkedAccount, error) {
	var link domain.LinkedAccount
	err := r.db.GetContext(ctx, &link,
		`SELECT `+linkColumns+` FROM linked_accounts
		 WHERE (primary_user_id = $1 AND linked_user_id = $2)
		    OR (primary_user_id = $2 AND linked_user_id = $1)`, userA, userB)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find link between %s and %s: %w", userA, userB, err)
	}
	return &link, nil
}

// FindByUser retrieves every edge touching an identity. When verifiedOnly is
// set, pending edges are filtered out.
func (r *LinkRepository) FindByUser(ctx context.Context, userID string, verifiedOnly bool) ([]domain.LinkedAccount, error) {
	query := `SELECT ` + linkColumns + ` FROM linked_accounts
		 WHERE (primary_user_id = $1 OR linked_user_id = $1)`
	if verifiedOnly {
		query += ` AND verified = true`
	}
	query += ` ORDER BY linked_at`

	var links []domain.LinkedAccount
	if err := r.db.SelectContext(ctx, &links, query, userID); err != nil {
		return nil, fmt.Errorf("find links for user %s: %w", userID, err)
	}
	return links, nil
}

// Create inserts a new edge with its initial verified flag.
func (r *LinkRepository) Create(ctx context.Context, link domain.LinkedAccount) (*domain.LinkedAccount, error) {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}

	var result domain.LinkedAccount
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO linked_accounts (id, primary_user_id, linked_user_id, verified, metadata, verified_at)
		 VALUES ($1, $2, $3, $4, $5, CASE WHEN $4 THEN NOW() ELSE NULL END)
		 RETURNING `+linkColumns,
		link.ID, link.PrimaryUserID, link.LinkedUserID, link.Verified, link.Metadata,
	).StructScan(&result)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrConflict
		}
		return nil, fmt.Errorf("create link: %w", err)
	}
	return &result, nil
}

// MarkVerified promotes a pending edge to verified.
func (r *LinkRepository) MarkVerified(ctx context.Context, id string, metadata domain.LinkMetadata) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE linked_accounts
		 SET verified = true, verified_at = NOW(), metadata = $2
		 WHERE id = $1`, id, metadata)
	if err != nil {
		return fmt.Errorf("mark link %s verified: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes an edge (explicit unlink).
func (r *LinkRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM linked_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete link %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
