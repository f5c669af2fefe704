package directory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/davkit/davkit/internal/storage"
)

// Stats reports what one Sync pass did, for cmd/davkit-principalsync's
// summary log line.
type Stats struct {
	UsersCreated  int
	GroupsCreated int
	UsersSeen     int
	GroupsSeen    int
}

// Importer provisions storage.Principal rows from a directory Client. It
// only creates: storage.Store has no UpdatePrincipal, so a display-name
// change in the directory after first import is logged but not written
// back, a known gap against spec.md §3's "upserts Principal rows" framing
// the data model doesn't yet support.
type Importer struct {
	client Source
	store  storage.Store
	logger zerolog.Logger
}

func NewImporter(client Source, store storage.Store, logger zerolog.Logger) *Importer {
	return &Importer{client: client, store: store, logger: logger}
}

// Sync lists every user and group the directory exposes and ensures a
// matching storage.Principal row exists for each, by slug.
func (im *Importer) Sync(ctx context.Context) (Stats, error) {
	var stats Stats

	users, err := im.client.ListUsers(ctx)
	if err != nil {
		return stats, fmt.Errorf("directory: sync users: %w", err)
	}
	for _, u := range users {
		stats.UsersSeen++
		created, err := im.ensurePrincipal(ctx, storage.PrincipalUser, u.Slug, u.DisplayName)
		if err != nil {
			return stats, fmt.Errorf("directory: provision user %q: %w", u.Slug, err)
		}
		if created {
			stats.UsersCreated++
		}
	}

	groups, err := im.client.ListGroups(ctx)
	if err != nil {
		return stats, fmt.Errorf("directory: sync groups: %w", err)
	}
	for _, g := range groups {
		stats.GroupsSeen++
		created, err := im.ensurePrincipal(ctx, storage.PrincipalGroup, g.Slug, g.DisplayName)
		if err != nil {
			return stats, fmt.Errorf("directory: provision group %q: %w", g.Slug, err)
		}
		if created {
			stats.GroupsCreated++
		}
	}

	return stats, nil
}

func (im *Importer) ensurePrincipal(ctx context.Context, kind storage.PrincipalKind, slug, displayName string) (bool, error) {
	existingOpt, err := im.store.GetPrincipalBySlug(ctx, kind, slug)
	if err != nil {
		return false, err
	}
	if existing, ok := existingOpt.Get(); ok {
		if existing.DisplayName != displayName {
			im.logger.Debug().Str("slug", slug).Str("directory_name", displayName).Str("stored_name", existing.DisplayName).
				Msg("directory: display name changed upstream, not propagated")
		}
		return false, nil
	}
	_, err = im.store.CreatePrincipal(ctx, storage.Principal{Kind: kind, Slug: slug, DisplayName: displayName})
	if err != nil {
		return false, err
	}
	im.logger.Info().Str("slug", slug).Str("kind", string(kind)).Msg("directory: provisioned principal")
	return true, nil
}
