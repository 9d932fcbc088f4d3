package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shelfmark/shelfmark/internal/domain"
	"github.com/shelfmark/shelfmark/internal/security"
)

// UserStore defines the identity data access interface consumed by the
// orchestrator and resolver.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByRealEmailAndProvider(ctx context.Context, email string, provider domain.Provider) (*domain.User, error)
	FindByRealEmail(ctx context.Context, email string) ([]domain.User, error)
	Create(ctx context.Context, user domain.User) (*domain.User, error)
	TouchLogin(ctx context.Context, id string, metadata domain.UserMetadata) error
	MarkEmailVerified(ctx context.Context, id string) error
	SetPrimaryAccount(ctx context.Context, id, primaryID string) error
}

// AuditStore appends to the account-linking audit trail.
type AuditStore interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
}

// CodeMailer dispatches verification codes. Formatting and delivery are the
// mailer's problem, not the core's.
type CodeMailer interface {
	SendLinkingCode(email, code string, existing, next domain.Provider, expiresInMinutes int) error
}

// LoginOutcome classifies the orchestrator's decision for one login attempt.
type LoginOutcome string

const (
	OutcomeSuccess              LoginOutcome = "success"
	OutcomeRequiresLinking      LoginOutcome = "requires_linking"
	OutcomeRequiresVerification LoginOutcome = "requires_verification"
)

// LoginResult is the orchestrator's answer to a login attempt. On success,
// Token is a full session token for the primary identity. On the two pending
// outcomes, Token (when present) is scoped to the new provider account alone
// and LinkingToken describes the proposed merge.
type LoginResult struct {
	Type             LoginOutcome    `json:"type"`
	User             *domain.User    `json:"user"`
	Token            string          `json:"token,omitempty"`
	LinkedUserIDs    []string        `json:"linked_user_ids,omitempty"`
	LinkingToken     string          `json:"linking_token,omitempty"`
	ExistingProvider domain.Provider `json:"existing_provider,omitempty"`
	NewProvider      domain.Provider `json:"new_provider,omitempty"`
}

// OAuthLoginInput is one authentication event from a provider callback.
type OAuthLoginInput struct {
	Email    string
	Provider domain.Provider
	Metadata domain.ProviderMetadata
}

const systemActor = "system"

// AuthService is the OAuth/login orchestrator: the state machine that decides,
// per login attempt, whether to create a new identity, log into an existing
// one, or demand linking/verification first.
type AuthService struct {
	users        UserStore
	links        LinkStore
	audit        AuditStore
	resolver     *Resolver
	tokens       *TokenService
	verification *VerificationService
	mail         CodeMailer
}

// NewAuthService creates the orchestrator.
func NewAuthService(
	users UserStore,
	links LinkStore,
	audit AuditStore,
	resolver *Resolver,
	tokens *TokenService,
	verification *VerificationService,
	mail CodeMailer,
) *AuthService {
	return &AuthService{
		users:        users,
		links:        links,
		audit:        audit,
		resolver:     resolver,
		tokens:       tokens,
		verification: verification,
		mail:         mail,
	}
}

// OAuthLogin resolves one provider authentication event to an identity.
func (s *AuthService) OAuthLogin(ctx context.Context, input OAuthLoginInput) (*LoginResult, error) {
	if input.Email == "" || !input.Provider.Known() {
		return nil, fmt.Errorf("%w: missing email or unknown provider", domain.ErrInvalidInput)
	}

	eval := EvaluateTrust(input.Provider, input.Email, input.Metadata)

	// Step 1+2: exact identity for this (real email, provider). Disguised
	// accounts (synthesized login email) match here too since the lookup is
	// by real email.
	exact, err := s.users.FindByRealEmailAndProvider(ctx, input.Email, input.Provider)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if exact != nil {
		return s.finishExistingLogin(ctx, exact, eval)
	}

	// Step 3: other identities share the real email under other providers.
	siblings, err := s.users.FindByRealEmail(ctx, input.Email)
	if err != nil {
		return nil, err
	}

	// Step 5: nobody owns this email yet. Fresh identity, immediate login.
	if len(siblings) == 0 {
		created, err := s.users.Create(ctx, domain.User{
			Email:         input.Email,
			RealEmail:     input.Email,
			Provider:      input.Provider,
			EmailVerified: eval.EmailVerified,
			Metadata: domain.UserMetadata{
				TrustScore:      eval.TrustScore,
				EnterpriseSSO:   eval.EnterpriseSSO,
				ProviderSubject: input.Metadata.Subject,
			},
		})
		if err != nil {
			return nil, err
		}
		s.auditLog(ctx, domain.AuditEntry{
			UserID:      created.ID,
			Action:      domain.AuditAccountCreated,
			PerformedBy: systemActor,
		})
		token, err := s.tokens.IssueSession(created, []string{created.ID})
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			Type:          OutcomeSuccess,
			User:          created,
			Token:         token,
			LinkedUserIDs: []string{created.ID},
		}, nil
	}

	// Step 4: a primary anchor exists but no identity for this provider.
	// Create one under a synthesized unique login email, then propose the
	// merge.
	primary := choosePrimary(siblings)

	created, err := s.users.Create(ctx, domain.User{
		Email:            synthesizeEmail(input.Email, input.Provider),
		RealEmail:        input.Email,
		Provider:         input.Provider,
		EmailVerified:    eval.EmailVerified,
		PrimaryAccountID: &primary.ID,
		Metadata: domain.UserMetadata{
			TrustScore:      eval.TrustScore,
			EnterpriseSSO:   eval.EnterpriseSSO,
			ProviderSubject: input.Metadata.Subject,
		},
	})
	if err != nil {
		return nil, err
	}
	s.auditLog(ctx, domain.AuditEntry{
		UserID:      created.ID,
		Action:      domain.AuditAccountCreated,
		PerformedBy: systemActor,
	})

	return s.proposeLink(ctx, primary, created, eval)
}

// PasswordLogin authenticates a local (password) identity and resolves its
// linked set the same way an OAuth success does.
func (s *AuthService) PasswordLogin(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.users.FindByRealEmailAndProvider(ctx, email, domain.ProviderLocal)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, err
	}

	ok, err := security.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, domain.ErrUnauthorized
	}

	eval := EvaluateTrust(domain.ProviderLocal, email, domain.ProviderMetadata{})
	return s.finishExistingLogin(ctx, user, eval)
}

// Register creates a local password identity. When other providers already own
// the email, the account is created under a synthesized login email and a
// merge is proposed, exactly as an OAuth collision would be.
func (s *AuthService) Register(ctx context.Context, email, password string) (*LoginResult, error) {
	if _, err := s.users.FindByRealEmailAndProvider(ctx, email, domain.ProviderLocal); err == nil {
		return nil, domain.ErrConflict
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	hash, err := security.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	eval := EvaluateTrust(domain.ProviderLocal, email, domain.ProviderMetadata{})

	siblings, err := s.users.FindByRealEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	user := domain.User{
		Email:         email,
		RealEmail:     email,
		Provider:      domain.ProviderLocal,
		PasswordHash:  hash,
		EmailVerified: eval.EmailVerified,
		Metadata: domain.UserMetadata{
			TrustScore: eval.TrustScore,
		},
	}

	if len(siblings) == 0 {
		created, err := s.users.Create(ctx, user)
		if err != nil {
			return nil, err
		}
		s.auditLog(ctx, domain.AuditEntry{
			UserID:      created.ID,
			Action:      domain.AuditAccountCreated,
			PerformedBy: systemActor,
		})
		token, err := s.tokens.IssueSession(created, []string{created.ID})
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			Type:          OutcomeSuccess,
			User:          created,
			Token:         token,
			LinkedUserIDs: []string{created.ID},
		}, nil
	}

	primary := choosePrimary(siblings)
	user.Email = synthesizeEmail(email, domain.ProviderLocal)
	user.PrimaryAccountID = &primary.ID

	created, err := s.users.Create(ctx, user)
	if err != nil {
		return nil, err
	}
	s.auditLog(ctx, domain.AuditEntry{
		UserID:      created.ID,
		Action:      domain.AuditAccountCreated,
		PerformedBy: systemActor,
	})

	return s.proposeLink(ctx, primary, created, eval)
}

// finishExistingLogin completes a login against an identity that already
// exists for the requested provider. When unlinked same-email accounts exist
// under other providers and this identity is not the anchor, the pending merge
// is surfaced instead of a plain success.
func (s *AuthService) finishExistingLogin(ctx context.Context, user *domain.User, eval TrustEvaluation) (*LoginResult, error) {
	siblings, err := s.users.FindByRealEmail(ctx, user.RealEmail)
	if err != nil {
		return nil, err
	}

	metadata := user.Metadata
	metadata.TrustScore = eval.TrustScore
	metadata.EnterpriseSSO = eval.EnterpriseSSO
	if err := s.users.TouchLogin(ctx, user.ID, metadata); err != nil {
		return nil, err
	}
	user.Metadata = metadata

	linked, err := s.resolver.Resolve(ctx, user.ID, nil)
	if err != nil {
		return nil, err
	}

	unlinked := unlinkedSiblings(siblings, user.ID, linked)
	if len(unlinked) == 0 {
		return s.successAs(ctx, user, linked)
	}

	primary := choosePrimary(siblings)
	if primary.ID == user.ID || slices.Contains(linked, primary.ID) {
		// This identity is (or is already verified-linked to) the anchor;
		// the remaining unlinked accounts merge when their provider logs in.
		return s.successAs(ctx, user, linked)
	}

	// The anchor is elsewhere and this identity is not linked to it yet.
	edge, err := s.links.FindBetween(ctx, primary.ID, user.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if edge != nil && edge.Verified {
		// Should have been in the resolved set; treat as primary login.
		return s.loginAsPrimary(ctx, primary)
	}
	if edge != nil {
		return s.reconcilePendingEdge(ctx, primary, user, edge, eval)
	}
	return s.proposeLink(ctx, primary, user, eval)
}

// loginAsPrimary logs a request in under the primary identity after a verified
// edge was found for the account that actually authenticated.
func (s *AuthService) loginAsPrimary(ctx context.Context, primary *domain.User) (*LoginResult, error) {
	if err := s.users.TouchLogin(ctx, primary.ID, primary.Metadata); err != nil {
		return nil, err
	}
	linked, err := s.resolver.Resolve(ctx, primary.ID, nil)
	if err != nil {
		return nil, err
	}
	return s.successAs(ctx, primary, linked)
}

// reconcilePendingEdge handles a login that finds an existing unverified edge
// between the anchor and the authenticating identity: auto-verify it when the
// trust predicate allows, otherwise demand a code.
func (s *AuthService) reconcilePendingEdge(ctx context.Context, primary, user *domain.User, edge *domain.LinkedAccount, eval TrustEvaluation) (*LoginResult, error) {
	primaryEval := EvaluateTrust(primary.Provider, primary.RealEmail, domain.ProviderMetadata{})
	primaryEval.EmailVerified = primaryEval.EmailVerified || primary.EmailVerified

	if !RequiresVerification(primaryEval, eval, primary.CreatedAt) {
		if err := s.links.MarkVerified(ctx, edge.ID, domain.LinkMetadata{
			Method:       domain.LinkMethodOAuth,
			PrimaryTrust: primaryEval.TrustScore,
			LinkedTrust:  eval.TrustScore,
			AutoVerified: true,
		}); err != nil {
			return nil, err
		}
		s.auditLog(ctx, domain.AuditEntry{
			UserID:      primary.ID,
			LinkedID:    &user.ID,
			Action:      domain.AuditLinkAutoVerified,
			PerformedBy: systemActor,
			Metadata: domain.LinkMetadata{
				Method:       domain.LinkMethodOAuth,
				PrimaryTrust: primaryEval.TrustScore,
				LinkedTrust:  eval.TrustScore,
				AutoVerified: true,
			},
		})
		return s.loginAsPrimary(ctx, primary)
	}

	return s.pendingResult(ctx, primary, user, primaryEval, eval, true)
}

// proposeLink creates (or rediscovers) the edge between the anchor and a newly
// seen identity and returns the pending outcome the caller must complete.
func (s *AuthService) proposeLink(ctx context.Context, primary, user *domain.User, eval TrustEvaluation) (*LoginResult, error) {
	primaryEval := EvaluateTrust(primary.Provider, primary.RealEmail, domain.ProviderMetadata{})
	primaryEval.EmailVerified = primaryEval.EmailVerified || primary.EmailVerified

	needsCode := RequiresVerification(primaryEval, eval, primary.CreatedAt)

	// Duplicate-edge race guard: someone may have proposed this pair since we
	// last looked. The unordered-pair uniqueness constraint backstops this.
	edge, err := s.links.FindBetween(ctx, primary.ID, user.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if edge == nil {
		edge, err = s.links.Create(ctx, domain.LinkedAccount{
			PrimaryUserID: primary.ID,
			LinkedUserID:  user.ID,
			Verified:      !needsCode,
			Metadata: domain.LinkMetadata{
				Method:       domain.LinkMethodOAuth,
				PrimaryTrust: primaryEval.TrustScore,
				LinkedTrust:  eval.TrustScore,
			},
		})
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				edge, err = s.links.FindBetween(ctx, primary.ID, user.ID)
			}
			if err != nil {
				return nil, err
			}
		}
		s.auditLog(ctx, domain.AuditEntry{
			UserID:      primary.ID,
			LinkedID:    &user.ID,
			Action:      domain.AuditLinkProposed,
			PerformedBy: systemActor,
			Metadata: domain.LinkMetadata{
				Method:       domain.LinkMethodOAuth,
				PrimaryTrust: primaryEval.TrustScore,
				LinkedTrust:  eval.TrustScore,
			},
		})
	}

	return s.pendingResult(ctx, primary, user, primaryEval, eval, needsCode)
}

// pendingResult assembles a requires_linking/requires_verification outcome:
// an auth token scoped to the new account alone, a linking token describing
// the proposed merge, and (when a code is needed) the emailed one-time code.
func (s *AuthService) pendingResult(ctx context.Context, primary, user *domain.User, primaryEval, eval TrustEvaluation, needsCode bool) (*LoginResult, error) {
	linkingToken, err := s.tokens.IssueLinking(LinkingClaims{
		PrimaryUserID:        primary.ID,
		NewUserID:            user.ID,
		Email:                user.RealEmail,
		PrimaryProvider:      primary.Provider,
		NewProvider:          user.Provider,
		Action:               "link_accounts",
		RequiresVerification: needsCode,
		TrustLevel:           eval.TrustScore,
	})
	if err != nil {
		return nil, err
	}

	// Token scoped to the new provider account alone; the full linked set is
	// only issued once the merge completes.
	scopedToken, err := s.tokens.IssueSession(user, []string{user.ID})
	if err != nil {
		return nil, err
	}

	outcome := OutcomeRequiresLinking
	if needsCode {
		outcome = OutcomeRequiresVerification
		if err := s.sendLinkingCode(ctx, primary, user.Provider); err != nil {
			return nil, err
		}
	}

	return &LoginResult{
		Type:             outcome,
		User:             user,
		Token:            scopedToken,
		LinkedUserIDs:    []string{user.ID},
		LinkingToken:     linkingToken,
		ExistingProvider: primary.Provider,
		NewProvider:      user.Provider,
	}, nil
}

// CompleteLinking confirms a requires_linking outcome. The merge must not
// still be awaiting a verification code.
func (s *AuthService) CompleteLinking(ctx context.Context, linkingToken string) (*LoginResult, error) {
	claims, err := s.tokens.ParseLinking(linkingToken)
	if err != nil {
		return nil, err
	}
	if claims.RequiresVerification {
		return nil, fmt.Errorf("%w: merge requires a verification code", domain.ErrInvalidInput)
	}

	primary, err := s.users.FindByID(ctx, claims.PrimaryUserID)
	if err != nil {
		return nil, err
	}
	linked, err := s.users.FindByID(ctx, claims.NewUserID)
	if err != nil {
		return nil, err
	}

	edge, err := s.links.FindBetween(ctx, primary.ID, linked.ID)
	if err != nil {
		return nil, err
	}
	if !edge.Verified {
		if err := s.links.MarkVerified(ctx, edge.ID, edge.Metadata); err != nil {
			return nil, err
		}
	}

	return s.completeMerge(ctx, primary, linked, domain.AuditLinkCompleted)
}

// VerifyLinkingCode confirms a requires_verification outcome with the emailed
// one-time code, then completes the merge.
func (s *AuthService) VerifyLinkingCode(ctx context.Context, linkingToken, code string) (*LoginResult, error) {
	claims, err := s.tokens.ParseLinking(linkingToken)
	if err != nil {
		return nil, err
	}

	primary, err := s.users.FindByID(ctx, claims.PrimaryUserID)
	if err != nil {
		return nil, err
	}
	linked, err := s.users.FindByID(ctx, claims.NewUserID)
	if err != nil {
		return nil, err
	}

	if err := s.verification.VerifyCode(ctx, primary.ID, primary.RealEmail, code, domain.PurposeAccountLinking); err != nil {
		return nil, err
	}

	edge, err := s.links.FindBetween(ctx, primary.ID, linked.ID)
	if err != nil {
		return nil, err
	}
	if !edge.Verified {
		metadata := edge.Metadata
		metadata.Method = domain.LinkMethodEmailVerification
		if err := s.links.MarkVerified(ctx, edge.ID, metadata); err != nil {
			return nil, err
		}
	}
	if !linked.EmailVerified {
		// The code round-trip proved ownership of the shared address.
		if err := s.users.MarkEmailVerified(ctx, linked.ID); err != nil {
			return nil, err
		}
		linked.EmailVerified = true
	}

	s.auditLog(ctx, domain.AuditEntry{
		UserID:      primary.ID,
		LinkedID:    &linked.ID,
		Action:      domain.AuditLinkVerified,
		PerformedBy: systemActor,
		Metadata:    domain.LinkMetadata{Method: domain.LinkMethodEmailVerification},
	})

	return s.completeMerge(ctx, primary, linked, domain.AuditLinkCompleted)
}

// ResendLinkingCode re-issues the one-time code for a pending merge, subject
// to the rolling rate limit.
func (s *AuthService) ResendLinkingCode(ctx context.Context, linkingToken string) error {
	claims, err := s.tokens.ParseLinking(linkingToken)
	if err != nil {
		return err
	}
	if !claims.RequiresVerification {
		return fmt.Errorf("%w: merge does not require a code", domain.ErrInvalidInput)
	}

	primary, err := s.users.FindByID(ctx, claims.PrimaryUserID)
	if err != nil {
		return err
	}
	return s.sendLinkingCode(ctx, primary, claims.NewProvider)
}

// Unlink removes the edge between the caller and another identity. The caller
// must be a party to the edge; self-unlink is a conflict.
func (s *AuthService) Unlink(ctx context.Context, callerID, otherID string) error {
	if callerID == otherID {
		return fmt.Errorf("%w: cannot unlink an account from itself", domain.ErrConflict)
	}

	edge, err := s.links.FindBetween(ctx, callerID, otherID)
	if err != nil {
		return err
	}
	if !edge.Touches(callerID) {
		return domain.ErrUnauthorized
	}

	if err := s.links.Delete(ctx, edge.ID); err != nil {
		return err
	}
	s.auditLog(ctx, domain.AuditEntry{
		UserID:      callerID,
		LinkedID:    &otherID,
		Action:      domain.AuditUnlinked,
		PerformedBy: callerID,
	})
	return nil
}

// ListLinks returns every edge touching the given identity.
func (s *AuthService) ListLinks(ctx context.Context, userID string) ([]domain.LinkedAccount, error) {
	return s.links.FindByUser(ctx, userID, false)
}

// GetUser retrieves an identity by ID.
func (s *AuthService) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.users.FindByID(ctx, userID)
}

// completeMerge finishes a confirmed link: records the primary hint on the
// secondary account, audits the completion, and issues a full session token
// as the primary identity.
func (s *AuthService) completeMerge(ctx context.Context, primary, linked *domain.User, action domain.AuditAction) (*LoginResult, error) {
	if linked.PrimaryAccountID == nil || *linked.PrimaryAccountID != primary.ID {
		if err := s.users.SetPrimaryAccount(ctx, linked.ID, primary.ID); err != nil {
			return nil, err
		}
	}

	s.auditLog(ctx, domain.AuditEntry{
		UserID:      primary.ID,
		LinkedID:    &linked.ID,
		Action:      action,
		PerformedBy: systemActor,
	})

	return s.loginAsPrimary(ctx, primary)
}

// successAs issues a full session token for user with the resolved linked set.
func (s *AuthService) successAs(ctx context.Context, user *domain.User, linked []string) (*LoginResult, error) {
	token, err := s.tokens.IssueSession(user, linked)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		Type:          OutcomeSuccess,
		User:          user,
		Token:         token,
		LinkedUserIDs: linked,
	}, nil
}

// sendLinkingCode issues a code to the anchor's real email and dispatches it,
// enforcing the per-tuple issuance rate limit.
func (s *AuthService) sendLinkingCode(ctx context.Context, primary *domain.User, newProvider domain.Provider) error {
	status, err := s.verification.CheckRateLimit(ctx, primary.ID, primary.RealEmail, domain.PurposeAccountLinking)
	if err != nil {
		return err
	}
	if !status.Allowed {
		return &domain.RateLimitError{WaitMinutes: status.WaitMinutes}
	}

	issued, err := s.verification.StoreCode(ctx, primary.ID, primary.RealEmail, domain.PurposeAccountLinking, IssueOptions{}, domain.CodeMetadata{
		ExistingProvider: primary.Provider,
		NewProvider:      newProvider,
	})
	if err != nil {
		return err
	}

	expiresIn := int(time.Until(issued.ExpiresAt).Minutes())
	if err := s.mail.SendLinkingCode(primary.RealEmail, issued.Code, primary.Provider, newProvider, expiresIn); err != nil {
		return fmt.Errorf("send linking code: %w", err)
	}
	return nil
}

// auditLog appends to the audit trail. Audit rows are forensic, never control
// flow, so a failed append is logged and swallowed.
func (s *AuthService) auditLog(ctx context.Context, entry domain.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		slog.Error("audit append failed", "action", entry.Action, "user_id", entry.UserID, "error", err)
	}
}

// choosePrimary picks the anchor identity among accounts sharing a real
// email: a password-based local account wins, otherwise the oldest account.
func choosePrimary(accounts []domain.User) *domain.User {
	for i := range accounts {
		if accounts[i].Provider == domain.ProviderLocal {
			return &accounts[i]
		}
	}
	return &accounts[0]
}

// unlinkedSiblings returns the same-email accounts not yet in the verified
// linked set of userID.
func unlinkedSiblings(siblings []domain.User, userID string, linked []string) []domain.User {
	var out []domain.User
	for _, sibling := range siblings {
		if sibling.ID == userID {
			continue
		}
		if !slices.Contains(linked, sibling.ID) {
			out = append(out, sibling)
		}
	}
	return out
}

// synthesizeEmail builds a unique login email for a colliding identity. The
// result satisfies the uniqueness constraint and is never parsed back; the
// real address lives in its own column.
func synthesizeEmail(email string, provider domain.Provider) string {
	return fmt.Sprintf("%s.%s.%d", email, provider, time.Now().UnixNano())
}
