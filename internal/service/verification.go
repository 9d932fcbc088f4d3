package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/shelfmark/shelfmark/internal/domain"
)

// CodeStore defines the verification-code access interface consumed by the
// verification service.
type CodeStore interface {
	Create(ctx context.Context, code domain.VerificationCode) (*domain.VerificationCode, error)
	ExpireActive(ctx context.Context, userID, email string, purpose domain.CodePurpose) error
	FindActiveByHash(ctx context.Context, userID, email string, purpose domain.CodePurpose, codeHash string) (*domain.VerificationCode, error)
	FindLatest(ctx context.Context, userID, email string, purpose domain.CodePurpose) (*domain.VerificationCode, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	MarkVerified(ctx context.Context, id string) error
	Invalidate(ctx context.Context, id string) error
	CountIssuedSince(ctx context.Context, userID, email string, purpose domain.CodePurpose, since time.Time) (int, *time.Time, error)
	DeleteStale(ctx context.Context, verifiedOlderThan time.Duration) (int64, error)
}

// CodeAlphabet selects the character set for generated codes.
type CodeAlphabet string

const (
	AlphabetNumeric      CodeAlphabet = "numeric"
	AlphabetAlphabetic   CodeAlphabet = "alphabetic"
	AlphabetAlphanumeric CodeAlphabet = "alphanumeric"
)

const (
	// MaxCodeAttempts caps failed entries before a code is burned.
	MaxCodeAttempts = 5
	// DefaultCodeLength is the emitted code length when callers pass 0.
	DefaultCodeLength = 6
	// DefaultCodeTTL is how long an issued code stays valid.
	DefaultCodeTTL = 15 * time.Minute
	// codesPerHour is the issuance cap inside the rolling window.
	codesPerHour = 3
	// sweepVerifiedAge is how long verified codes are retained before the
	// sweeper deletes them.
	sweepVerifiedAge = 24 * time.Hour
)

// VerificationService issues and validates short-lived one-time codes tied to
// (user, email, purpose). Codes are stored only as HMAC-SHA256 digests.
type VerificationService struct {
	codes  CodeStore
	secret []byte
}

// NewVerificationService creates a VerificationService. secret keys the HMAC
// over stored codes and must be non-empty.
func NewVerificationService(codes CodeStore, secret []byte) *VerificationService {
	return &VerificationService{codes: codes, secret: secret}
}

// GenerateCode returns a cryptographically random code of the given length
// from the given alphabet.
func GenerateCode(length int, alphabet CodeAlphabet) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}

	var charset string
	switch alphabet {
	case AlphabetAlphabetic:
		charset = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	case AlphabetAlphanumeric:
		charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	default:
		charset = "0123456789"
	}

	out := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}

// IssueOptions tunes StoreCode.
type IssueOptions struct {
	Length   int
	Alphabet CodeAlphabet
	TTL      time.Duration
}

// IssuedCode is the result of storing a new code. Code carries the plaintext
// exactly once, for dispatch; it is never persisted.
type IssuedCode struct {
	Code      string
	ExpiresAt time.Time
}

// StoreCode invalidates any live code for the (user, email, purpose) tuple and
// stores a fresh one, guaranteeing at most one live code per tuple.
func (s *VerificationService) StoreCode(ctx context.Context, userID, email string, purpose domain.CodePurpose, opts IssueOptions, metadata domain.CodeMetadata) (*IssuedCode, error) {
	code, err := GenerateCode(opts.Length, opts.Alphabet)
	if err != nil {
		return nil, err
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}

	if err := s.codes.ExpireActive(ctx, userID, email, purpose); err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(ttl)
	_, err = s.codes.Create(ctx, domain.VerificationCode{
		UserID:    userID,
		Email:     email,
		Purpose:   purpose,
		CodeHash:  s.hash(code),
		ExpiresAt: expiresAt,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}

	return &IssuedCode{Code: code, ExpiresAt: expiresAt}, nil
}

// VerifyCode checks a plaintext code for the tuple. On match the code is
// consumed (single-use). Expired codes report domain.ErrCodeExpired; unknown
// or wrong codes report domain.ErrNotFound; exhausting the attempt budget
// reports domain.ErrTooManyAttempts and burns the code even if a later entry
// would have matched.
func (s *VerificationService) VerifyCode(ctx context.Context, userID, email, plaintext string, purpose domain.CodePurpose) error {
	match, err := s.codes.FindActiveByHash(ctx, userID, email, purpose, s.hash(plaintext))
	if err == nil {
		if match.Attempts >= MaxCodeAttempts {
			return domain.ErrTooManyAttempts
		}
		if err := s.codes.MarkVerified(ctx, match.ID); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Lost a race with a concurrent verify; single-use holds.
				return domain.ErrNotFound
			}
			return err
		}
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	// No active code matched the hash. Look at the latest code for the tuple
	// to tell "expired" apart from "wrong code", and to meter attempts.
	latest, err := s.codes.FindLatest(ctx, userID, email, purpose)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return err
	}

	if latest.Verified {
		return domain.ErrNotFound
	}
	if time.Now().After(latest.ExpiresAt) {
		return domain.ErrCodeExpired
	}

	attempts, err := s.codes.IncrementAttempts(ctx, latest.ID)
	if err != nil {
		return err
	}
	if attempts >= MaxCodeAttempts {
		if err := s.codes.Invalidate(ctx, latest.ID); err != nil {
			return err
		}
		return domain.ErrTooManyAttempts
	}

	return domain.ErrNotFound
}

// RateLimitStatus is CheckRateLimit's verdict.
type RateLimitStatus struct {
	Allowed     bool
	WaitMinutes int
}

// CheckRateLimit counts codes issued for the tuple inside the trailing hour.
// At the cap it computes the remaining wait from the oldest code's age.
func (s *VerificationService) CheckRateLimit(ctx context.Context, userID, email string, purpose domain.CodePurpose) (*RateLimitStatus, error) {
	window := time.Hour
	count, oldest, err := s.codes.CountIssuedSince(ctx, userID, email, purpose, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}

	if count < codesPerHour {
		return &RateLimitStatus{Allowed: true}, nil
	}

	wait := 1
	if oldest != nil {
		remaining := window - time.Since(*oldest)
		wait = int(math.Ceil(remaining.Minutes()))
		if wait < 1 {
			wait = 1
		}
	}
	return &RateLimitStatus{Allowed: false, WaitMinutes: wait}, nil
}

// RunSweeper deletes expired codes and aged-out verified codes on a fixed
// interval until ctx is cancelled. It runs independently of request handling
// and holds no lock that could block a login.
func (s *VerificationService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.codes.DeleteStale(ctx, sweepVerifiedAge)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("verification code sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				slog.Info("verification codes swept", "deleted", deleted)
			}
		}
	}
}

func (s *VerificationService) hash(code string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}
