package directory

import (
	"context"
	"fmt"

	"github.com/davkit/davkit/internal/storage"
)

// GroupExpander satisfies authz.GroupExpander: it resolves a storage
// Principal ID to its directory DN, asks the directory which groups list
// that DN as a member, and maps each returned group cn back to the
// storage.Principal ID of kind group authz.StaticAuthorizer's
// authorization_policies rows are written against.
type GroupExpander struct {
	client MembershipSource
	store  storage.Store
}

func NewGroupExpander(client MembershipSource, store storage.Store) *GroupExpander {
	return &GroupExpander{client: client, store: store}
}

func (g *GroupExpander) GroupsOf(ctx context.Context, principalID string) ([]string, error) {
	principalOpt, err := g.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("directory: load principal: %w", err)
	}
	principal, ok := principalOpt.Get()
	if !ok {
		return nil, nil
	}

	dn, err := g.client.LookupDN(ctx, principal.Slug)
	if err != nil {
		return nil, fmt.Errorf("directory: resolve dn for %q: %w", principal.Slug, err)
	}
	groupSlugs, err := g.client.GroupsOfDN(ctx, dn)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(groupSlugs))
	for _, slug := range groupSlugs {
		groupOpt, err := g.store.GetPrincipalBySlug(ctx, storage.PrincipalGroup, slug)
		if err != nil {
			return nil, fmt.Errorf("directory: resolve group principal %q: %w", slug, err)
		}
		if group, ok := groupOpt.Get(); ok {
			ids = append(ids, group.ID)
		}
	}
	return ids, nil
}
