package postgres

import (
	"context"
	"time"

	"github.com/davkit/davkit/internal/storage"
)

func (s *Store) UpsertCalendarIndex(ctx context.Context, rows []storage.CalendarIndexRow) error {
	for _, row := range rows {
		if _, err := s.pool.Exec(ctx, `
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
	return nil
}

func (s *Store) ListCalendarIndex(ctx context.Context, collectionID string) ([]storage.CalendarIndexRow, error) {
	rows, err := s.pool.Query(ctx, `
		select ci.entity_id, ci.component_id, ci.component, ci.uid, ci.start_utc, ci.end_utc,
			ci.all_day, ci.sequence, ci.rrule_text, ci.metadata_json::text
		from calendar_index ci
		join instances i on i.entity_id = ci.entity_id
		where i.collection_id = $1 and not i.deleted`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.CalendarIndexRow
	for rows.Next() {
		var r storage.CalendarIndexRow
		if err := rows.Scan(&r.EntityID, &r.ComponentID, &r.Component, &r.UID, &r.StartUTC, &r.EndUTC,
			&r.AllDay, &r.Sequence, &r.RRuleText, &r.MetadataJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertOccurrences(ctx context.Context, rows []storage.OccurrenceRow) error {
	for _, row := range rows {
		if _, err := s.pool.Exec(ctx, `
			insert into occurrences (entity_id, component_id, start_utc, end_utc, recurrence_id_utc)
			values ($1, $2, $3, $4, $5)
			on conflict (entity_id, component_id, start_utc) do update set
				end_utc = excluded.end_utc, recurrence_id_utc = excluded.recurrence_id_utc`,
			row.EntityID, row.ComponentID, row.StartUTC, row.EndUTC, row.RecurrenceIDUTC); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListOccurrences(ctx context.Context, entityID string, start, end time.Time) ([]storage.OccurrenceRow, error) {
	rows, err := s.pool.Query(ctx, `
		select entity_id, component_id, start_utc, end_utc, recurrence_id_utc
		from occurrences
		where entity_id = $1 and start_utc < $3 and end_utc > $2
		order by start_utc`, entityID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.OccurrenceRow
	for rows.Next() {
		var r storage.OccurrenceRow
		if err := rows.Scan(&r.EntityID, &r.ComponentID, &r.StartUTC, &r.EndUTC, &r.RecurrenceIDUTC); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteOccurrences(ctx context.Context, entityID string) error {
	_, err := s.pool.Exec(ctx, `delete from occurrences where entity_id = $1`, entityID)
	return err
}

func (s *Store) UpsertCardIndex(ctx context.Context, row storage.CardIndexRow) error {
	_, err := s.pool.Exec(ctx, `
		insert into card_index (entity_id, fn, search_vector, metadata_json)
		values ($1, $2, $3, $4::jsonb)
		on conflict (entity_id) do update set fn = excluded.fn, search_vector = excluded.search_vector, metadata_json = excluded.metadata_json`,
		row.EntityID, row.FN, row.SearchVector, row.MetadataJSON)
	return err
}

func (s *Store) ListCardIndex(ctx context.Context, collectionID string) ([]storage.CardIndexRow, error) {
	rows, err := s.pool.Query(ctx, `
		select ci.entity_id, ci.fn, ci.search_vector, ci.metadata_json::text
		from card_index ci
		join instances i on i.entity_id = ci.entity_id
		where i.collection_id = $1 and not i.deleted`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.CardIndexRow
	for rows.Next() {
		var r storage.CardIndexRow
		if err := rows.Scan(&r.EntityID, &r.FN, &r.SearchVector, &r.MetadataJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
