package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// LinkMethod records how a linked-account edge came to exist.
type LinkMethod string

const (
	LinkMethodOAuth             LinkMethod = "oauth"
	LinkMethodEmailVerification LinkMethod = "email_verification"
	LinkMethodCleanup           LinkMethod = "cleanup"
)

// LinkedAccount is an undirected association between two identities believed to
// belong to the same person, materialized as a directed (primary, linked) pair.
// Transitivity is never expanded in storage; the resolver computes the closure
// at read time.
type LinkedAccount struct {
	ID            string       `json:"id" db:"id"`
	PrimaryUserID string       `json:"primary_user_id" db:"primary_user_id"`
	LinkedUserID  string       `json:"linked_user_id" db:"linked_user_id"`
	Verified      bool         `json:"verified" db:"verified"`
	Metadata      LinkMetadata `json:"metadata" db:"metadata"`
	LinkedAt      time.Time    `json:"linked_at" db:"linked_at"`
	VerifiedAt    *time.Time   `json:"verified_at,omitempty" db:"verified_at"`
}

// Touches reports whether the edge has userID as either endpoint.
func (l LinkedAccount) Touches(userID string) bool {
	return l.PrimaryUserID == userID || l.LinkedUserID == userID
}

// Other returns the endpoint opposite to userID. The caller must already know
// the edge touches userID.
func (l LinkedAccount) Other(userID string) string {
	if l.PrimaryUserID == userID {
		return l.LinkedUserID
	}
	return l.PrimaryUserID
}

// LinkMetadata is the typed record behind the linked_accounts.metadata column.
type LinkMetadata struct {
	Method       LinkMethod `json:"method,omitempty"`
	PrimaryTrust int        `json:"primary_trust,omitempty"`
	LinkedTrust  int        `json:"linked_trust,omitempty"`
	AutoVerified bool       `json:"auto_verified,omitempty"`
}

func (m LinkMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *LinkMetadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = LinkMetadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("scan link metadata: unsupported type %T", src)
	}
}

// AuditAction enumerates the state transitions recorded in the append-only
// account-linking audit trail.
type AuditAction string

const (
	AuditAccountCreated   AuditAction = "account_created"
	AuditLinkProposed     AuditAction = "link_proposed"
	AuditLinkAutoVerified AuditAction = "link_auto_verified"
	AuditLinkVerified     AuditAction = "link_verified"
	AuditLinkCompleted    AuditAction = "link_completed"
	AuditUnlinked         AuditAction = "unlinked"
)

// AuditEntry is one append-only audit row. Entries are write-only forensic
// records and never feed back into control flow.
type AuditEntry struct {
	ID          string      `json:"id" db:"id"`
	UserID      string      `json:"user_id" db:"user_id"`
	LinkedID    *string     `json:"linked_id,omitempty" db:"linked_id"`
	Action      AuditAction `json:"action" db:"action"`
	PerformedBy string      `json:"performed_by" db:"performed_by"`
	Metadata    LinkMetadata `json:"metadata" db:"metadata"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}
