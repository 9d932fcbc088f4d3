package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shelfmark/shelfmark/internal/domain"
)

// In-memory store fakes shared by the service tests.

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*domain.User
	order []string
	seq   int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]*domain.User{}}
}

func (f *fakeUserStore) FindByID(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (f *fakeUserStore) FindByRealEmailAndProvider(_ context.Context, email string, provider domain.Provider) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		user := f.users[id]
		if user.RealEmail == email && user.Provider == provider {
			clone := *user
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeUserStore) FindByRealEmail(_ context.Context, email string) ([]domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.User
	for _, id := range f.order {
		if user := f.users[id]; user.RealEmail == email {
			out = append(out, *user)
		}
	}
	return out, nil
}

func (f *fakeUserStore) Create(_ context.Context, user domain.User) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == user.Email {
			return nil, domain.ErrConflict
		}
	}
	f.seq++
	user.ID = fmt.Sprintf("user-%d", f.seq)
	user.CreatedAt = time.Now().Add(time.Duration(f.seq) * time.Millisecond)
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = &user
	f.order = append(f.order, user.ID)
	clone := user
	return &clone, nil
}

func (f *fakeUserStore) TouchLogin(_ context.Context, id string, metadata domain.UserMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	user.LastLoginAt = &now
	user.Metadata = metadata
	return nil
}

func (f *fakeUserStore) MarkEmailVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	user.EmailVerified = true
	return nil
}

func (f *fakeUserStore) SetPrimaryAccount(_ context.Context, id, primaryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	user.PrimaryAccountID = &primaryID
	return nil
}

type fakeLinkStore struct {
	mu    sync.Mutex
	links map[string]*domain.LinkedAccount
	seq   int
}

func newFakeLinkStore() *fakeLinkStore {
	return &fakeLinkStore{links: map[string]*domain.LinkedAccount{}}
}

func (f *fakeLinkStore) FindBetween(_ context.Context, userA, userB string) (*domain.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, link := range f.links {
		if (link.PrimaryUserID == userA && link.LinkedUserID == userB) ||
			(link.PrimaryUserID == userB && link.LinkedUserID == userA) {
			clone := *link
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeLinkStore) FindByUser(_ context.Context, userID string, verifiedOnly bool) ([]domain.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LinkedAccount
	for _, link := range f.links {
		if !link.Touches(userID) {
			continue
		}
		if verifiedOnly && !link.Verified {
			continue
		}
		out = append(out, *link)
	}
	return out, nil
}

func (f *fakeLinkStore) Create(_ context.Context, link domain.LinkedAccount) (*domain.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.links {
		if existing.Touches(link.PrimaryUserID) && existing.Touches(link.LinkedUserID) {
			return nil, domain.ErrConflict
		}
	}
	f.seq++
	link.ID = fmt.Sprintf("link-%d", f.seq)
	link.LinkedAt = time.Now()
	if link.Verified {
		now := time.Now()
		link.VerifiedAt = &now
	}
	f.links[link.ID] = &link
	clone := link
	return &clone, nil
}

func (f *fakeLinkStore) MarkVerified(_ context.Context, id string, metadata domain.LinkMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	link, ok := f.links[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	link.Verified = true
	link.VerifiedAt = &now
	link.Metadata = metadata
	return nil
}

func (f *fakeLinkStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.links[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.links, id)
	return nil
}

type fakeCodeStore struct {
	mu    sync.Mutex
	codes map[string]*domain.VerificationCode
	seqOf map[string]int
	seq   int
}

func newFakeCodeStore() *fakeCodeStore {
	return &fakeCodeStore{
		codes: map[string]*domain.VerificationCode{},
		seqOf: map[string]int{},
	}
}

func (f *fakeCodeStore) matches(code *domain.VerificationCode, userID, email string, purpose domain.CodePurpose) bool {
	return code.UserID == userID && code.Email == email && code.Purpose == purpose
}

func (f *fakeCodeStore) Create(_ context.Context, code domain.VerificationCode) (*domain.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	code.ID = fmt.Sprintf("code-%d", f.seq)
	code.CreatedAt = time.Now()
	f.codes[code.ID] = &code
	f.seqOf[code.ID] = f.seq
	clone := code
	return &clone, nil
}

func (f *fakeCodeStore) ExpireActive(_ context.Context, userID, email string, purpose domain.CodePurpose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, code := range f.codes {
		if f.matches(code, userID, email, purpose) && !code.Verified && code.ExpiresAt.After(time.Now()) {
			code.ExpiresAt = time.Now().Add(-time.Minute)
		}
	}
	return nil
}

func (f *fakeCodeStore) FindActiveByHash(_ context.Context, userID, email string, purpose domain.CodePurpose, codeHash string) (*domain.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, code := range f.codes {
		if f.matches(code, userID, email, purpose) && !code.Verified &&
			code.CodeHash == codeHash && code.ExpiresAt.After(time.Now()) {
			clone := *code
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeCodeStore) FindLatest(_ context.Context, userID, email string, purpose domain.CodePurpose) (*domain.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.VerificationCode
	for _, code := range f.codes {
		if !f.matches(code, userID, email, purpose) {
			continue
		}
		if latest == nil || f.seqOf[code.ID] > f.seqOf[latest.ID] {
			latest = code
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

func (f *fakeCodeStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.codes[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	code.Attempts++
	return code.Attempts, nil
}

func (f *fakeCodeStore) MarkVerified(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.codes[id]
	if !ok {
		return domain.ErrNotFound
	}
	if code.Verified {
		return domain.ErrConflict
	}
	code.Verified = true
	return nil
}

func (f *fakeCodeStore) Invalidate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.codes[id]
	if !ok {
		return domain.ErrNotFound
	}
	code.ExpiresAt = time.Now().Add(-time.Minute)
	return nil
}

func (f *fakeCodeStore) CountIssuedSince(_ context.Context, userID, email string, purpose domain.CodePurpose, since time.Time) (int, *time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	var oldest *time.Time
	for _, code := range f.codes {
		if !f.matches(code, userID, email, purpose) || code.CreatedAt.Before(since) {
			continue
		}
		count++
		if oldest == nil || code.CreatedAt.Before(*oldest) {
			created := code.CreatedAt
			oldest = &created
		}
	}
	return count, oldest, nil
}

func (f *fakeCodeStore) DeleteStale(_ context.Context, verifiedOlderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	for id, code := range f.codes {
		expired := time.Now().After(code.ExpiresAt.Add(time.Hour))
		agedOut := code.Verified && time.Now().After(code.CreatedAt.Add(verifiedOlderThan))
		if expired || agedOut {
			delete(f.codes, id)
			deleted++
		}
	}
	return deleted, nil
}

// setExpiry backdates a stored code's expiry for expiry-path tests.
func (f *fakeCodeStore) setExpiry(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code, ok := f.codes[id]; ok {
		code.ExpiresAt = at
	}
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (f *fakeAuditStore) Append(_ context.Context, entry domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditStore) actions() []domain.AuditAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AuditAction, 0, len(f.entries))
	for _, entry := range f.entries {
		out = append(out, entry.Action)
	}
	return out
}

type sentMail struct {
	Email    string
	Code     string
	Existing domain.Provider
	Next     domain.Provider
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeMailer) SendLinkingCode(email, code string, existing, next domain.Provider, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{Email: email, Code: code, Existing: existing, Next: next})
	return nil
}

func (f *fakeMailer) last() *sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	mail := f.sent[len(f.sent)-1]
	return &mail
}
