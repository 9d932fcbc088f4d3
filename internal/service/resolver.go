package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shelfmark/shelfmark/internal/domain"
)

// LinkStore defines the linked-account edge access interface consumed by the
// resolver and orchestrator.
type LinkStore interface {
	FindBetween(ctx context.Context, userA, userB string) (*domain.LinkedAccount, error)
	FindByUser(ctx context.Context, userID string, verifiedOnly bool) ([]domain.LinkedAccount, error)
	Create(ctx context.Context, link domain.LinkedAccount) (*domain.LinkedAccount, error)
	MarkVerified(ctx context.Context, id string, metadata domain.LinkMetadata) error
	Delete(ctx context.Context, id string) error
}

// Resolver computes the transitive closure of verified links for an identity.
type Resolver struct {
	links LinkStore
	users UserStore
}

// NewResolver creates a Resolver backed by the given stores.
func NewResolver(links LinkStore, users UserStore) *Resolver {
	return &Resolver{links: links, users: users}
}

// Resolve returns every identity id reachable from startID over verified
// edges, startID included. Order is unspecified.
//
// When the caller supplies a cached id set (typically from a previously issued
// token) that contains startID and more than one entry, it is returned as-is.
// The cache is a performance shortcut only: links created after the token was
// issued stay invisible until the token refreshes. Callers that cannot accept
// staleness pass nil (the middleware always does).
func (r *Resolver) Resolve(ctx context.Context, startID string, cached []string) ([]string, error) {
	if len(cached) > 1 && slices.Contains(cached, startID) {
		return cached, nil
	}

	// Explicit worklist traversal; no recursion, stack bounded regardless of
	// graph size.
	visited := map[string]struct{}{startID: {}}
	queue := []string{startID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		links, err := r.links.FindByUser(ctx, current, true)
		if err != nil {
			return nil, fmt.Errorf("resolve links for %s: %w", current, err)
		}

		for _, link := range links {
			for _, endpoint := range []string{link.PrimaryUserID, link.LinkedUserID} {
				if _, seen := visited[endpoint]; !seen {
					visited[endpoint] = struct{}{}
					queue = append(queue, endpoint)
				}
			}
		}
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	return ids, nil
}

// AuthIdentity is the authoritative per-request view of a caller's identity.
type AuthIdentity struct {
	User          *domain.User
	PrimaryUserID string
	LinkedUserIDs []string
}

// ResolveAuthoritative re-resolves an identity from the store, ignoring any
// token-embedded snapshot. The token's user row may itself point at a primary
// account assigned after the token was issued; that pointer is chased first so
// security-sensitive operations always act as the true primary.
func (r *Resolver) ResolveAuthoritative(ctx context.Context, userID string) (*AuthIdentity, error) {
	user, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	primary := user
	if user.PrimaryAccountID != nil && *user.PrimaryAccountID != user.ID {
		primary, err = r.users.FindByID(ctx, *user.PrimaryAccountID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, err
			}
			// Dangling hint; fall back to the token's own row.
			primary = user
		}
	}

	linked, err := r.Resolve(ctx, primary.ID, nil)
	if err != nil {
		return nil, err
	}

	return &AuthIdentity{
		User:          primary,
		PrimaryUserID: primary.ID,
		LinkedUserIDs: linked,
	}, nil
}
