package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shelfmark/shelfmark/internal/domain"
)

// AuditRepository appends account-linking audit rows. The trail is write-only:
// nothing in the service reads it back for control flow.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one audit row.
func (r *AuditRepository) Append(ctx context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO account_linking_audit (id, user_id, linked_id, action, performed_by, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.UserID, entry.LinkedID, entry.Action, entry.PerformedBy, entry.Metadata)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
