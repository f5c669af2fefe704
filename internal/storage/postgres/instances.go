package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/mo"

	"github.com/davkit/davkit/internal/content/model"
	"github.com/davkit/davkit/internal/storage"
)

func (s *Store) GetEntity(ctx context.Context, entityID string) (mo.Option[*storage.Entity], error) {
	row := s.pool.QueryRow(ctx, `
		select id, kind, uid, canonical_raw, ref_count, created_at, updated_at
		from entities where id = $1`, entityID)
	var e storage.Entity
	if err := row.Scan(&e.ID, &e.Kind, &e.UID, &e.CanonicalRaw, &e.RefCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*storage.Entity](), nil
		}
		return mo.None[*storage.Entity](), err
	}
	return mo.Some(&e), nil
}

func (s *Store) GetInstance(ctx context.Context, collectionID, slug string) (mo.Option[*storage.Instance], error) {
	row := s.pool.QueryRow(ctx, `
		select id, collection_id, entity_id, slug, content_type, etag, sync_revision, last_modified, deleted
		from instances where collection_id = $1 and slug = $2 and not deleted`, collectionID, slug)
	return scanInstance(row)
}

func scanInstance(row pgx.Row) (mo.Option[*storage.Instance], error) {
	var i storage.Instance
	if err := row.Scan(&i.ID, &i.CollectionID, &i.EntityID, &i.Slug, &i.ContentType, &i.ETag,
		&i.SyncRevision, &i.LastModified, &i.Deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*storage.Instance](), nil
		}
		return mo.None[*storage.Instance](), err
	}
	return mo.Some(&i), nil
}

func (s *Store) ListMembers(ctx context.Context, collectionID string, depth storage.Depth) ([]*storage.Instance, error) {
	if depth == storage.DepthZero {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		select id, collection_id, entity_id, slug, content_type, etag, sync_revision, last_modified, deleted
		from instances where collection_id = $1 and not deleted order by slug`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Instance
	for rows.Next() {
		var i storage.Instance
		if err := rows.Scan(&i.ID, &i.CollectionID, &i.EntityID, &i.Slug, &i.ContentType, &i.ETag,
			&i.SyncRevision, &i.LastModified, &i.Deleted); err != nil {
			return nil, err
		}
		out = append(out, &i)
	}
	return out, rows.Err()
}

// PutInstance implements the atomic sequence of spec §4.3: parse/validate,
// check preconditions, enforce per-collection UID uniqueness, canonicalize
// and hash, upsert the entity and instance rows, bump sync counters, and
// rebuild the cheap per-component derived index (full occurrence expansion
// is left to the recurrence engine, invoked by the protocol layer after a
// successful PutInstance).
func (s *Store) PutInstance(ctx context.Context, collectionID, slug string, raw []byte, contentType string, pre storage.Preconditions) mo.Result[*storage.PutResult] {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mo.Err[*storage.PutResult](err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var collKind storage.CollectionKind
	if err := tx.QueryRow(ctx, `select kind from collections where id = $1 and not deleted`, collectionID).Scan(&collKind); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.Err[*storage.PutResult](fmt.Errorf("%w: collection", storage.ErrNotFound))
		}
		return mo.Err[*storage.PutResult](err)
	}

	root, entityKind, err := storage.ParseAndValidate(collKind, raw)
	if err != nil {
		return mo.Err[*storage.PutResult](err)
	}
	canonical, uid, err := storage.Canonicalize(entityKind, root)
	if err != nil {
		return mo.Err[*storage.PutResult](err)
	}
	etag := hashETag(canonical)

	var existingID, existingEntityID, existingETag string
	err = tx.QueryRow(ctx, `select id, entity_id, etag from instances where collection_id = $1 and slug = $2 and not deleted`,
		collectionID, slug).Scan(&existingID, &existingEntityID, &existingETag)
	exists := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return mo.Err[*storage.PutResult](err)
	}

	if err := checkPreconditions(pre, exists, existingETag); err != nil {
		return mo.Err[*storage.PutResult](err)
	}

	if collKind == storage.CollectionCalendar {
		var conflictID string
		q := `select i.id from instances i join entities e on e.id = i.entity_id
			where i.collection_id = $1 and e.uid = $2 and not i.deleted`
		args := []any{collectionID, uid}
		if exists {
			q += " and i.id != $3"
			args = append(args, existingID)
		}
		err := tx.QueryRow(ctx, q, args...).Scan(&conflictID)
		if err == nil {
			return mo.Err[*storage.PutResult](fmt.Errorf("%w", storage.ErrUIDConflict))
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return mo.Err[*storage.PutResult](err)
		}
	}

	entityID := newID()
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		insert into entities (id, kind, uid, canonical_raw, ref_count, created_at, updated_at)
		values ($1, $2, $3, $4, 1, $5, $5)`, entityID, entityKind, uid, canonical, now); err != nil {
		return mo.Err[*storage.PutResult](err)
	}

	token, err := bumpSyncTokenTx(ctx, tx, collectionID)
	if err != nil {
		return mo.Err[*storage.PutResult](err)
	}

	outcome := storage.PutCreated
	instanceID := existingID
	if exists {
		outcome = storage.PutUpdated
		if _, err := tx.Exec(ctx, `
			update instances set entity_id = $1, content_type = $2, etag = $3, sync_revision = $4, last_modified = $5
			where id = $6`, entityID, contentType, etag, token, now, existingID); err != nil {
			return mo.Err[*storage.PutResult](err)
		}
	} else {
		instanceID = newID()
		if _, err := tx.Exec(ctx, `
			insert into instances (id, collection_id, entity_id, slug, content_type, etag, sync_revision, last_modified, deleted)
			values ($1, $2, $3, $4, $5, $6, $7, $8, false)`,
			instanceID, collectionID, entityID, slug, contentType, etag, token, now); err != nil {
			return mo.Err[*storage.PutResult](err)
		}
	}

	if err := rebuildIndexTx(ctx, tx, collKind, entityID, root); err != nil {
		return mo.Err[*storage.PutResult](err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mo.Err[*storage.PutResult](err)
	}

	return mo.Ok(&storage.PutResult{
		Instance: &storage.Instance{
			ID: instanceID, CollectionID: collectionID, EntityID: entityID, Slug: slug,
			ContentType: contentType, ETag: etag, SyncRevision: token, LastModified: now,
		},
		ETag:    etag,
		Outcome: outcome,
	})
}

func checkPreconditions(pre storage.Preconditions, exists bool, currentETag string) error {
	if pre.IfNoneMatch == "*" && exists {
		return fmt.Errorf("%w: If-None-Match: * but resource exists", storage.ErrPreconditionFailed)
	}
	if pre.IfMatch != "" {
		if !exists || pre.IfMatch != currentETag {
			return fmt.Errorf("%w: If-Match mismatch", storage.ErrPreconditionFailed)
		}
	}
	return nil
}

func bumpSyncTokenTx(ctx context.Context, tx pgx.Tx, collectionID string) (int64, error) {
	var token int64
	err := tx.QueryRow(ctx, `
		update collections set sync_token = sync_token + 1, updated_at = now()
		where id = $1 returning sync_token`, collectionID).Scan(&token)
	return token, err
}

func rebuildIndexTx(ctx context.Context, tx pgx.Tx, kind storage.CollectionKind, entityID string, root *model.Component) error {
	switch kind {
	case storage.CollectionCalendar:
		for _, row := range storage.BuildCalendarIndex(entityID, root) {
			if _, err := tx.Exec(ctx, `
				insert into calendar_index (entity_id, component_id, component, uid, start_utc, end_utc, all_day, sequence, rrule_text, metadata_json)
				values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
				on conflict (entity_id, component_id) do update set
					component = excluded.component, uid = excluded.uid, start_utc = excluded.start_utc,
					end_utc = excluded.end_utc, all_day = excluded.all_day, sequence = excluded.sequence,
					rrule_text = excluded.rrule_text, metadata_json = excluded.metadata_json`,
				row.EntityID, row.ComponentID, row.Component, row.UID, row.StartUTC, row.EndUTC,
				row.AllDay, row.Sequence, row.RRuleText, row.MetadataJSON); err != nil {
				return err
			}
		}
	case storage.CollectionAddressbook:
		row := storage.BuildCardIndex(entityID, root)
		if _, err := tx.Exec(ctx, `
			insert into card_index (entity_id, fn, search_vector, metadata_json)
			values ($1, $2, $3, $4::jsonb)
			on conflict (entity_id) do update set fn = excluded.fn, search_vector = excluded.search_vector, metadata_json = excluded.metadata_json`,
			row.EntityID, row.FN, row.SearchVector, row.MetadataJSON); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteInstance(ctx context.Context, collectionID, slug string, pre storage.Preconditions) mo.Result[*storage.Tombstone] {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mo.Err[*storage.Tombstone](err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var instID, entityID, etag, uid string
	err = tx.QueryRow(ctx, `
		select i.id, i.entity_id, i.etag, e.uid from instances i join entities e on e.id = i.entity_id
		where i.collection_id = $1 and i.slug = $2 and not i.deleted`, collectionID, slug).
		Scan(&instID, &entityID, &etag, &uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.Err[*storage.Tombstone](fmt.Errorf("%w: instance", storage.ErrNotFound))
	}
	if err != nil {
		return mo.Err[*storage.Tombstone](err)
	}
	if pre.IfMatch != "" && pre.IfMatch != etag {
		return mo.Err[*storage.Tombstone](fmt.Errorf("%w: If-Match mismatch", storage.ErrPreconditionFailed))
	}

	token, err := bumpSyncTokenTx(ctx, tx, collectionID)
	if err != nil {
		return mo.Err[*storage.Tombstone](err)
	}

	if _, err := tx.Exec(ctx, `update instances set deleted = true, sync_revision = $1 where id = $2`, token, instID); err != nil {
		return mo.Err[*storage.Tombstone](err)
	}

	tomb := &storage.Tombstone{
		ID:                newID(),
		CollectionID:      collectionID,
		URIUUID:           instID,
		URISlug:           slug,
		SyncTokenAtDelete: token,
		SyncRevision:      token,
		LastETag:          etag,
		LogicalUID:        uid,
		DeletedAt:         time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		insert into tombstones (id, collection_id, uri_uuid, uri_slug, sync_token_at_delete, sync_revision, last_etag, logical_uid, deleted_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tomb.ID, tomb.CollectionID, tomb.URIUUID, tomb.URISlug, tomb.SyncTokenAtDelete,
		tomb.SyncRevision, tomb.LastETag, tomb.LogicalUID, tomb.DeletedAt); err != nil {
		return mo.Err[*storage.Tombstone](err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mo.Err[*storage.Tombstone](err)
	}
	return mo.Ok(tomb)
}

func (s *Store) MoveInstance(ctx context.Context, srcCollectionID, srcSlug, dstCollectionID, dstSlug string, overwrite bool, pre storage.Preconditions) mo.Result[*storage.Instance] {
	src, err := s.GetInstance(ctx, srcCollectionID, srcSlug)
	if err != nil {
		return mo.Err[*storage.Instance](err)
	}
	if src.IsAbsent() {
		return mo.Err[*storage.Instance](fmt.Errorf("%w: source instance", storage.ErrNotFound))
	}
	entity, err := s.GetEntity(ctx, src.MustGet().EntityID)
	if err != nil {
		return mo.Err[*storage.Instance](err)
	}
	dstPre := pre
	if !overwrite {
		dstPre.IfNoneMatch = "*"
	}
	putRes := s.PutInstance(ctx, dstCollectionID, dstSlug, entity.MustGet().CanonicalRaw, "", dstPre)
	if putRes.IsError() {
		return mo.Err[*storage.Instance](putRes.Error())
	}
	if _, err := s.DeleteInstance(ctx, srcCollectionID, srcSlug, storage.Preconditions{}).Get(); err != nil {
		return mo.Err[*storage.Instance](err)
	}
	return mo.Ok(putRes.MustGet().Instance)
}

func (s *Store) CopyInstance(ctx context.Context, srcCollectionID, srcSlug, dstCollectionID, dstSlug string, overwrite bool, pre storage.Preconditions) mo.Result[*storage.Instance] {
	src, err := s.GetInstance(ctx, srcCollectionID, srcSlug)
	if err != nil {
		return mo.Err[*storage.Instance](err)
	}
	if src.IsAbsent() {
		return mo.Err[*storage.Instance](fmt.Errorf("%w: source instance", storage.ErrNotFound))
	}
	entity, err := s.GetEntity(ctx, src.MustGet().EntityID)
	if err != nil {
		return mo.Err[*storage.Instance](err)
	}
	dstPre := pre
	if !overwrite {
		dstPre.IfNoneMatch = "*"
	}
	putRes := s.PutInstance(ctx, dstCollectionID, dstSlug, entity.MustGet().CanonicalRaw, src.MustGet().ContentType, dstPre)
	if putRes.IsError() {
		return mo.Err[*storage.Instance](putRes.Error())
	}
	return mo.Ok(putRes.MustGet().Instance)
}

func (s *Store) GarbageCollectEntities(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		delete from entities where id not in (select distinct entity_id from instances)`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
