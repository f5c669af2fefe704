// Package postgres implements internal/storage.Store on github.com/jackc/pgx/v5.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/davkit/davkit/internal/storage"
)

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := runMigrations(dsn, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func newID() string { return uuid.Must(uuid.NewV7()).String() }

func hashETag(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// --- Principals ---

func (s *Store) CreatePrincipal(ctx context.Context, p storage.Principal) (*storage.Principal, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		insert into principals (id, kind, slug, display_name, deleted, created_at, updated_at)
		values ($1, $2, $3, $4, false, $5, $5)
	`, p.ID, p.Kind, p.Slug, p.DisplayName, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: create principal: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return &p, nil
}

func (s *Store) GetPrincipal(ctx context.Context, id string) (mo.Option[*storage.Principal], error) {
	row := s.pool.QueryRow(ctx, `
		select id, kind, slug, display_name, deleted, created_at, updated_at
		from principals where id = $1`, id)
	return scanPrincipal(row)
}

func (s *Store) GetPrincipalBySlug(ctx context.Context, kind storage.PrincipalKind, slug string) (mo.Option[*storage.Principal], error) {
	row := s.pool.QueryRow(ctx, `
		select id, kind, slug, display_name, deleted, created_at, updated_at
		from principals where kind = $1 and slug = $2`, kind, slug)
	return scanPrincipal(row)
}

func scanPrincipal(row pgx.Row) (mo.Option[*storage.Principal], error) {
	var p storage.Principal
	if err := row.Scan(&p.ID, &p.Kind, &p.Slug, &p.DisplayName, &p.Deleted, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*storage.Principal](), nil
		}
		return mo.None[*storage.Principal](), err
	}
	return mo.Some(&p), nil
}

func (s *Store) SoftDeletePrincipal(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `update principals set deleted = true, updated_at = now() where id = $1`, id)
	return err
}

// --- Collections ---

func (s *Store) CreateCollection(ctx context.Context, owner string, kind storage.CollectionKind, slug string, opts storage.Collection) (*storage.Collection, error) {
	id := newID()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		insert into collections (id, owner_principal_id, kind, slug, display_name, description,
			timezone_id, supported_comps, parent_id, sync_token, deleted, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9, ''), 0, false, $10, $10)
	`, id, owner, kind, slug, opts.DisplayName, opts.Description, opts.TimeZoneID,
		joinComps(opts.SupportedComps), opts.ParentID, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: create collection: %w", err)
	}
	opts.ID, opts.OwnerPrincipalID, opts.Kind, opts.Slug = id, owner, kind, slug
	opts.CreatedAt, opts.UpdatedAt = now, now
	return &opts, nil
}

func (s *Store) GetCollection(ctx context.Context, id string) (mo.Option[*storage.Collection], error) {
	row := s.pool.QueryRow(ctx, collectionSelect+` where id = $1 and not deleted`, id)
	return scanCollection(row)
}

func (s *Store) GetCollectionByPath(ctx context.Context, ownerSlug, collectionSlug string) (mo.Option[*storage.Collection], error) {
	row := s.pool.QueryRow(ctx, collectionSelect+`
		where owner_principal_id = (select id from principals where slug = $1) and slug = $2 and not deleted`,
		ownerSlug, collectionSlug)
	return scanCollection(row)
}

func (s *Store) ListCollectionsByOwner(ctx context.Context, ownerID string) ([]*storage.Collection, error) {
	rows, err := s.pool.Query(ctx, collectionSelect+` where owner_principal_id = $1 and not deleted`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Collection
	for rows.Next() {
		c, err := scanCollectionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const collectionSelect = `
	select id, owner_principal_id, kind, slug, display_name, description, timezone_id,
		supported_comps, coalesce(parent_id, ''), sync_token, deleted, created_at, updated_at
	from collections`

func scanCollection(row pgx.Row) (mo.Option[*storage.Collection], error) {
	var c storage.Collection
	var comps string
	if err := row.Scan(&c.ID, &c.OwnerPrincipalID, &c.Kind, &c.Slug, &c.DisplayName, &c.Description,
		&c.TimeZoneID, &comps, &c.ParentID, &c.SyncToken, &c.Deleted, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*storage.Collection](), nil
		}
		return mo.None[*storage.Collection](), err
	}
	c.SupportedComps = splitComps(comps)
	return mo.Some(&c), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCollectionRow(row scannable) (*storage.Collection, error) {
	var c storage.Collection
	var comps string
	if err := row.Scan(&c.ID, &c.OwnerPrincipalID, &c.Kind, &c.Slug, &c.DisplayName, &c.Description,
		&c.TimeZoneID, &comps, &c.ParentID, &c.SyncToken, &c.Deleted, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.SupportedComps = splitComps(comps)
	return &c, nil
}

func (s *Store) UpdateCollection(ctx context.Context, id string, displayName, description *string) error {
	_, err := s.pool.Exec(ctx, `
		update collections set
			display_name = coalesce($2, display_name),
			description = coalesce($3, description),
			updated_at = now()
		where id = $1`, id, displayName, description)
	return err
}

func (s *Store) SoftDeleteCollection(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `update collections set deleted = true, updated_at = now() where id = $1`, id)
	return err
}

func (s *Store) BumpSyncToken(ctx context.Context, collectionID string) (int64, error) {
	var token int64
	err := s.pool.QueryRow(ctx, `
		update collections set sync_token = sync_token + 1, updated_at = now()
		where id = $1 returning sync_token`, collectionID).Scan(&token)
	return token, err
}

func joinComps(comps []string) string {
	out := ""
	for i, c := range comps {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func splitComps(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
