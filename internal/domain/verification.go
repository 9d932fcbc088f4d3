package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CodePurpose scopes a verification code to the flow that issued it.
type CodePurpose string

const (
	PurposeAccountLinking    CodePurpose = "account_linking"
	PurposeEmailVerification CodePurpose = "email_verification"
)

// VerificationCode is a short-lived one-time code tied to (user, email,
// purpose). The plaintext code is never stored; code_hash holds an HMAC-SHA256
// of it keyed with a server secret.
type VerificationCode struct {
	ID        string       `json:"id" db:"id"`
	UserID    string       `json:"user_id" db:"user_id"`
	Email     string       `json:"email" db:"email"`
	Purpose   CodePurpose  `json:"purpose" db:"purpose"`
	CodeHash  string       `json:"-" db:"code_hash"`
	ExpiresAt time.Time    `json:"expires_at" db:"expires_at"`
	Attempts  int          `json:"attempts" db:"attempts"`
	Verified  bool         `json:"verified" db:"verified"`
	Metadata  CodeMetadata `json:"metadata" db:"metadata"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// CodeMetadata is the typed record behind the verification_codes.metadata
// column, used to render the dispatch email.
type CodeMetadata struct {
	ExistingProvider Provider `json:"existing_provider,omitempty"`
	NewProvider      Provider `json:"new_provider,omitempty"`
}

func (m CodeMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *CodeMetadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = CodeMetadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("scan code metadata: unsupported type %T", src)
	}
}
