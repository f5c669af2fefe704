package sqlite

import (
	"context"
	"sort"
	"time"

	"github.com/davkit/davkit/internal/storage"
)

func (s *Store) ListChangesSince(ctx context.Context, collectionID string, sinceToken int64, limit int) ([]storage.Change, int64, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, collection_id, entity_id, slug, content_type, etag, sync_revision, last_modified, deleted
		from instances
		where collection_id = ? and sync_revision > ? and not deleted
		order by sync_revision asc`, collectionID, sinceToken)
	if err != nil {
		return nil, 0, false, err
	}
	var changes []storage.Change
	for rows.Next() {
		var i storage.Instance
		var deleted int
		if err := rows.Scan(&i.ID, &i.CollectionID, &i.EntityID, &i.Slug, &i.ContentType, &i.ETag,
			&i.SyncRevision, &i.LastModified, &deleted); err != nil {
			rows.Close()
			return nil, 0, false, err
		}
		i.Deleted = deleted != 0
		inst := i
		changes = append(changes, storage.Change{Kind: storage.ChangeUpdated, Instance: &inst})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, false, err
	}

	tombRows, err := s.db.QueryContext(ctx, `
		select id, collection_id, uri_uuid, uri_slug, sync_token_at_delete, sync_revision, last_etag, logical_uid, deleted_at
		from tombstones
		where collection_id = ? and sync_revision > ?
		order by sync_revision asc`, collectionID, sinceToken)
	if err != nil {
		return nil, 0, false, err
	}
	defer tombRows.Close()
	for tombRows.Next() {
		var t storage.Tombstone
		if err := tombRows.Scan(&t.ID, &t.CollectionID, &t.URIUUID, &t.URISlug, &t.SyncTokenAtDelete,
			&t.SyncRevision, &t.LastETag, &t.LogicalUID, &t.DeletedAt); err != nil {
			return nil, 0, false, err
		}
		tomb := t
		changes = append(changes, storage.Change{Kind: storage.ChangeDeleted, Tombstone: &tomb})
	}
	if err := tombRows.Err(); err != nil {
		return nil, 0, false, err
	}

	// Re-sort the merged instances+tombstones set by sync_revision before
	// truncating: each query is individually ordered but the two streams
	// interleave on the merged axis.
	sort.Slice(changes, func(i, j int) bool { return changeRevision(changes[i]) < changeRevision(changes[j]) })

	truncated := false
	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
		truncated = true
	}

	newToken := sinceToken
	for _, c := range changes {
		if c.Instance != nil && c.Instance.SyncRevision > newToken {
			newToken = c.Instance.SyncRevision
		}
		if c.Tombstone != nil && c.Tombstone.SyncRevision > newToken {
			newToken = c.Tombstone.SyncRevision
		}
	}
	return changes, newToken, truncated, nil
}

func changeRevision(c storage.Change) int64 {
	if c.Instance != nil {
		return c.Instance.SyncRevision
	}
	if c.Tombstone != nil {
		return c.Tombstone.SyncRevision
	}
	return 0
}

func (s *Store) PruneTombstonesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from tombstones where deleted_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) OldestValidSyncToken(ctx context.Context, collectionID string) (int64, error) {
	var oldest *int64
	err := s.db.QueryRowContext(ctx, `
		select min(sync_revision) from (
			select sync_revision from instances where collection_id = ? and not deleted
			union all
			select sync_revision from tombstones where collection_id = ?
		)`, collectionID, collectionID).Scan(&oldest)
	if err != nil {
		return 0, err
	}
	if oldest == nil {
		return 0, nil
	}
	return *oldest - 1, nil
}
