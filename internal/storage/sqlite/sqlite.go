// Package sqlite implements internal/storage.Store on database/sql with the
// pure-Go github.com/ncruces/go-sqlite3 driver, for single-node deployments
// that don't want a Postgres dependency.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/davkit/davkit/internal/storage"
)

type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

func New(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure SQLite: %w", err)
	}

	store := &Store{db: db, logger: logger}

	if err := runMigrations(dsn, logger); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = memory",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func newID() string { return uuid.Must(uuid.NewV7()).String() }

func hashETag(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func nowUTC() time.Time { return time.Now().UTC() }

// --- Principals ---

func (s *Store) CreatePrincipal(ctx context.Context, p storage.Principal) (*storage.Principal, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `
		insert into principals (id, kind, slug, display_name, deleted, created_at, updated_at)
		values (?, ?, ?, ?, 0, ?, ?)`,
		p.ID, p.Kind, p.Slug, p.DisplayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create principal: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return &p, nil
}

func (s *Store) GetPrincipal(ctx context.Context, id string) (mo.Option[*storage.Principal], error) {
	row := s.db.QueryRowContext(ctx, `
		select id, kind, slug, display_name, deleted, created_at, updated_at
		from principals where id = ?`, id)
	return scanPrincipal(row)
}

func (s *Store) GetPrincipalBySlug(ctx context.Context, kind storage.PrincipalKind, slug string) (mo.Option[*storage.Principal], error) {
	row := s.db.QueryRowContext(ctx, `
		select id, kind, slug, display_name, deleted, created_at, updated_at
		from principals where kind = ? and slug = ?`, kind, slug)
	return scanPrincipal(row)
}

func scanPrincipal(row *sql.Row) (mo.Option[*storage.Principal], error) {
	var p storage.Principal
	var deleted int
	if err := row.Scan(&p.ID, &p.Kind, &p.Slug, &p.DisplayName, &deleted, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return mo.None[*storage.Principal](), nil
		}
		return mo.None[*storage.Principal](), err
	}
	p.Deleted = deleted != 0
	return mo.Some(&p), nil
}

func (s *Store) SoftDeletePrincipal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `update principals set deleted = 1, updated_at = ? where id = ?`, nowUTC(), id)
	return err
}

// --- Collections ---

func (s *Store) CreateCollection(ctx context.Context, owner string, kind storage.CollectionKind, slug string, opts storage.Collection) (*storage.Collection, error) {
	id := newID()
	now := nowUTC()
	var parent any
	if opts.ParentID != "" {
		parent = opts.ParentID
	}
	_, err := s.db.ExecContext(ctx, `
		insert into collections (id, owner_principal_id, kind, slug, display_name, description,
			timezone_id, supported_comps, parent_id, sync_token, deleted, created_at, updated_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		id, owner, kind, slug, opts.DisplayName, opts.Description, opts.TimeZoneID,
		joinComps(opts.SupportedComps), parent, now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create collection: %w", err)
	}
	opts.ID, opts.OwnerPrincipalID, opts.Kind, opts.Slug = id, owner, kind, slug
	opts.CreatedAt, opts.UpdatedAt = now, now
	return &opts, nil
}

const collectionSelect = `
	select id, owner_principal_id, kind, slug, display_name, description, timezone_id,
		supported_comps, coalesce(parent_id, ''), sync_token, deleted, created_at, updated_at
	from collections`

func (s *Store) GetCollection(ctx context.Context, id string) (mo.Option[*storage.Collection], error) {
	row := s.db.QueryRowContext(ctx, collectionSelect+` where id = ? and not deleted`, id)
	return scanCollection(row)
}

func (s *Store) GetCollectionByPath(ctx context.Context, ownerSlug, collectionSlug string) (mo.Option[*storage.Collection], error) {
	row := s.db.QueryRowContext(ctx, collectionSelect+`
		where owner_principal_id = (select id from principals where slug = ?) and slug = ? and not deleted`,
		ownerSlug, collectionSlug)
	return scanCollection(row)
}

func (s *Store) ListCollectionsByOwner(ctx context.Context, ownerID string) ([]*storage.Collection, error) {
	rows, err := s.db.QueryContext(ctx, collectionSelect+` where owner_principal_id = ? and not deleted`, ownerID)
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

func scanCollection(row *sql.Row) (mo.Option[*storage.Collection], error) {
	var c storage.Collection
	var comps string
	var deleted int
	if err := row.Scan(&c.ID, &c.OwnerPrincipalID, &c.Kind, &c.Slug, &c.DisplayName, &c.Description,
		&c.TimeZoneID, &comps, &c.ParentID, &c.SyncToken, &deleted, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return mo.None[*storage.Collection](), nil
		}
		return mo.None[*storage.Collection](), err
	}
	c.SupportedComps = splitComps(comps)
	c.Deleted = deleted != 0
	return mo.Some(&c), nil
}

func scanCollectionRow(rows *sql.Rows) (*storage.Collection, error) {
	var c storage.Collection
	var comps string
	var deleted int
	if err := rows.Scan(&c.ID, &c.OwnerPrincipalID, &c.Kind, &c.Slug, &c.DisplayName, &c.Description,
		&c.TimeZoneID, &comps, &c.ParentID, &c.SyncToken, &deleted, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.SupportedComps = splitComps(comps)
	c.Deleted = deleted != 0
	return &c, nil
}

func (s *Store) UpdateCollection(ctx context.Context, id string, displayName, description *string) error {
	_, err := s.db.ExecContext(ctx, `
		update collections set
			display_name = coalesce(?, display_name),
			description = coalesce(?, description),
			updated_at = ?
		where id = ?`, displayName, description, nowUTC(), id)
	return err
}

func (s *Store) SoftDeleteCollection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `update collections set deleted = 1, updated_at = ? where id = ?`, nowUTC(), id)
	return err
}

func (s *Store) BumpSyncToken(ctx context.Context, collectionID string) (int64, error) {
	var token int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `update collections set sync_token = sync_token + 1, updated_at = ? where id = ?`,
			nowUTC(), collectionID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `select sync_token from collections where id = ?`, collectionID).Scan(&token)
	})
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
