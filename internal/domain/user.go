package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Provider identifies the credential source behind an identity. It is a closed
// set: the trust evaluator and login orchestrator switch over it exhaustively,
// so adding a provider is a compile-time-checked change.
type Provider string

const (
	ProviderLocal     Provider = "local"
	ProviderGoogle    Provider = "google"
	ProviderGitHub    Provider = "github"
	ProviderMicrosoft Provider = "microsoft"
	ProviderPasskey   Provider = "passkey"
)

// Known reports whether p is one of the providers this service understands.
func (p Provider) Known() bool {
	switch p {
	case ProviderLocal, ProviderGoogle, ProviderGitHub, ProviderMicrosoft, ProviderPasskey:
		return true
	}
	return false
}

// User represents one provider-specific credential set (an identity).
//
// Email is the unique login email; when a second provider arrives with an email
// already taken by another identity the stored Email is synthesized to keep the
// uniqueness constraint, and RealEmail always carries the address the person
// actually owns. All matching goes through RealEmail; the synthesized string is
// never parsed.
type User struct {
	ID               string       `json:"id" db:"id"`
	Email            string       `json:"-" db:"email"`
	RealEmail        string       `json:"email" db:"real_email"`
	Provider         Provider     `json:"provider" db:"provider"`
	PasswordHash     string       `json:"-" db:"password_hash"`
	PrimaryAccountID *string      `json:"primary_account_id,omitempty" db:"primary_account_id"`
	EmailVerified    bool         `json:"email_verified" db:"email_verified"`
	Metadata         UserMetadata `json:"metadata" db:"metadata"`
	LastLoginAt      *time.Time   `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// UserMetadata is the typed record behind the users.metadata column. Fields are
// explicit so the orchestrator's presence checks are statically verifiable.
type UserMetadata struct {
	TrustScore      int    `json:"trust_score,omitempty"`
	EnterpriseSSO   bool   `json:"enterprise_sso,omitempty"`
	ProviderSubject string `json:"provider_subject,omitempty"`
	AutoVerified    bool   `json:"auto_verified,omitempty"`
}

// Value implements driver.Valuer so sqlx can write the metadata as jsonb.
func (m UserMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for reading the jsonb metadata column.
func (m *UserMetadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = UserMetadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("scan user metadata: unsupported type %T", src)
	}
}

// ProviderMetadata carries the facts reported by an OAuth provider callback (or
// the local login path). It contains facts only, no decisions.
type ProviderMetadata struct {
	Subject       string
	EmailVerified *bool
	Name          string
	AvatarURL     string
}
