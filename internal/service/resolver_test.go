package service

import (
	"context"
	"slices"
	"testing"

	"github.com/shelfmark/shelfmark/internal/domain"
)

func seedUser(t *testing.T, users *fakeUserStore, email string, provider domain.Provider) *domain.User {
	t.Helper()
	user, err := users.Create(context.Background(), domain.User{
		Email:     email,
		RealEmail: email,
		Provider:  provider,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return user
}

func seedLink(t *testing.T, links *fakeLinkStore, primaryID, linkedID string, verified bool) *domain.LinkedAccount {
	t.Helper()
	link, err := links.Create(context.Background(), domain.LinkedAccount{
		PrimaryUserID: primaryID,
		LinkedUserID:  linkedID,
		Verified:      verified,
	})
	if err != nil {
		t.Fatalf("seed link %s-%s: %v", primaryID, linkedID, err)
	}
	return link
}

func TestResolveTransitiveClosure(t *testing.T) {
	users := newFakeUserStore()
	links := newFakeLinkStore()
	resolver := NewResolver(links, users)

	a := seedUser(t, users, "a@example.com", domain.ProviderLocal)
	b := seedUser(t, users, "b@example.com", domain.ProviderGoogle)
	c := seedUser(t, users, "c@example.com", domain.ProviderGitHub)
	seedLink(t, links, a.ID, b.ID, true)
	seedLink(t, links, b.ID, c.ID, true)

	got, err := resolver.Resolve(context.Background(), a.ID, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	want := []string{a.ID, b.ID, c.ID}
	if len(got) != len(want) {
		t.Fatalf("resolved %v, want %v", got, want)
	}
	for _, id := range want {
		if !slices.Contains(got, id) {
			t.Errorf("resolved set %v missing %s", got, id)
		}
	}

	// Resolution must land on the same set from any member.
	fromC, err := resolver.Resolve(context.Background(), c.ID, nil)
	if err != nil {
		t.Fatalf("resolve from c: %v", err)
	}
	slices.Sort(got)
	slices.Sort(fromC)
	if !slices.Equal(got, fromC) {
		t.Errorf("resolve from c = %v, from a = %v", fromC, got)
	}
}

func TestResolveIgnoresUnverifiedEdges(t *testing.T) {
	users := newFakeUserStore()
	links := newFakeLinkStore()
	resolver := NewResolver(links, users)

	a := seedUser(t, users, "a@example.com", domain.ProviderLocal)
	b := seedUser(t, users, "b@example.com", domain.ProviderGoogle)
	seedLink(t, links, a.ID, b.ID, false)

	got, err := resolver.Resolve(context.Background(), a.ID, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0] != a.ID {
		t.Errorf("resolved %v, want only [%s]", got, a.ID)
	}
}

func TestResolveCachedSet(t *testing.T) {
	users := newFakeUserStore()
	links := newFakeLinkStore()
	resolver := NewResolver(links, users)

	a := seedUser(t, users, "a@example.com", domain.ProviderLocal)
	b := seedUser(t, users, "b@example.com", domain.ProviderGoogle)
	seedLink(t, links, a.ID, b.ID, true)

	// A multi-entry cache containing the start id short-circuits traversal,
	// staleness included.
	cached := []string{a.ID, "user-gone"}
	got, err := resolver.Resolve(context.Background(), a.ID, cached)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !slices.Equal(got, cached) {
		t.Errorf("resolved %v, want cached %v", got, cached)
	}

	// A single-entry cache is not trusted; the store is consulted.
	got, err = resolver.Resolve(context.Background(), a.ID, []string{a.ID})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("resolved %v, want both endpoints", got)
	}

	// A cache not containing the start id is not trusted either.
	got, err = resolver.Resolve(context.Background(), a.ID, []string{b.ID, "user-gone"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !slices.Contains(got, a.ID) {
		t.Errorf("resolved %v, want set containing %s", got, a.ID)
	}
}

func TestResolveAuthoritativeChasesPrimary(t *testing.T) {
	users := newFakeUserStore()
	links := newFakeLinkStore()
	resolver := NewResolver(links, users)

	primary := seedUser(t, users, "p@example.com", domain.ProviderLocal)
	secondary := seedUser(t, users, "s@example.com", domain.ProviderGoogle)
	if err := users.SetPrimaryAccount(context.Background(), secondary.ID, primary.ID); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	seedLink(t, links, primary.ID, secondary.ID, true)

	identity, err := resolver.ResolveAuthoritative(context.Background(), secondary.ID)
	if err != nil {
		t.Fatalf("resolve authoritative: %v", err)
	}
	if identity.PrimaryUserID != primary.ID {
		t.Errorf("PrimaryUserID = %s, want %s", identity.PrimaryUserID, primary.ID)
	}
	if identity.User.ID != primary.ID {
		t.Errorf("User.ID = %s, want %s", identity.User.ID, primary.ID)
	}
	if !slices.Contains(identity.LinkedUserIDs, secondary.ID) {
		t.Errorf("LinkedUserIDs %v missing %s", identity.LinkedUserIDs, secondary.ID)
	}
}

func TestResolveAuthoritativeDanglingPrimary(t *testing.T) {
	users := newFakeUserStore()
	links := newFakeLinkStore()
	resolver := NewResolver(links, users)

	user := seedUser(t, users, "u@example.com", domain.ProviderGoogle)
	if err := users.SetPrimaryAccount(context.Background(), user.ID, "user-deleted"); err != nil {
		t.Fatalf("set primary: %v", err)
	}

	identity, err := resolver.ResolveAuthoritative(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("resolve authoritative: %v", err)
	}
	if identity.PrimaryUserID != user.ID {
		t.Errorf("PrimaryUserID = %s, want fallback %s", identity.PrimaryUserID, user.ID)
	}
}
