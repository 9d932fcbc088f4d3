package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/shelfmark/shelfmark/internal/domain"
)

const (
	sessionTokenTTL = 7 * 24 * time.Hour
	linkingTokenTTL = 15 * time.Minute

	tokenIssuer = "shelfmark"

	tokenTypeSession = "session"
	tokenTypeLinking = "linking"
)

// SessionClaims is the bearer-token payload. Subject always carries the
// primary identity's id, never a linked/secondary one. LinkedUserIDs is a
// snapshot of the resolver's output at issuance time. It is a performance
// cache, never the sole source of truth.
type SessionClaims struct {
	Email         string   `json:"email"`
	LinkedUserIDs []string `json:"linked_user_ids"`
	TokenType     string   `json:"token_type"`
	jwt.RegisteredClaims
}

// LinkingClaims describes a proposed identity merge awaiting confirmation.
type LinkingClaims struct {
	PrimaryUserID        string          `json:"primary_user_id"`
	NewUserID            string          `json:"new_user_id"`
	Email                string          `json:"email"`
	PrimaryProvider      domain.Provider `json:"primary_provider"`
	NewProvider          domain.Provider `json:"new_provider"`
	Action               string          `json:"action"`
	RequiresVerification bool            `json:"requires_verification"`
	TrustLevel           int             `json:"trust_level"`
	TokenType            string          `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies the service's signed tokens.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService signing with the given secret.
func NewTokenService(secret []byte) *TokenService {
	return &TokenService{secret: secret}
}

// IssueSession mints a 7-day bearer token for the primary identity. The
// display email prefers the identity's real email over the (possibly
// synthesized) login email.
func (s *TokenService) IssueSession(primary *domain.User, linkedUserIDs []string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Email:         primary.RealEmail,
		LinkedUserIDs: linkedUserIDs,
		TokenType:     tokenTypeSession,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   primary.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// IssueLinking mints a 15-minute token describing a pending merge.
func (s *TokenService) IssueLinking(claims LinkingClaims) (string, error) {
	now := time.Now()
	claims.TokenType = tokenTypeLinking
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   claims.NewUserID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(linkingTokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign linking token: %w", err)
	}
	return signed, nil
}

// ParseSession verifies a bearer token and returns its claims.
func (s *TokenService) ParseSession(tokenString string) (*SessionClaims, error) {
	var claims SessionClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeSession {
		return nil, domain.ErrUnauthorized
	}
	return &claims, nil
}

// ParseLinking verifies a linking token and returns its claims.
func (s *TokenService) ParseLinking(tokenString string) (*LinkingClaims, error) {
	var claims LinkingClaims
	if err := s.parse(tokenString, &claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeLinking {
		return nil, domain.ErrUnauthorized
	}
	return &claims, nil
}

func (s *TokenService) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if !token.Valid {
		return domain.ErrUnauthorized
	}
	return nil
}
