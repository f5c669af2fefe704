package sqlite

import (
	"context"
	"time"

	"github.com/davkit/davkit/internal/storage"
)

func (s *Store) UpsertCalendarIndex(ctx context.Context, rows []storage.CalendarIndexRow) error {
	for _, row := range rows {
		if _, err := s.db.ExecContext(ctx, `
			insert into calendar_index (entity_id, component_id, component, uid, start_utc, end_utc, all_day, sequence, rrule_text, metadata_json)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			on conflict (entity_id, component_id) do update set
				component = excluded.component, uid = excluded.uid, start_utc = excluded.start_utc,
				end_utc = excluded.end_utc, all_day = excluded.all_day, sequence = excluded.sequence,
				rrule_text = excluded.rrule_text, metadata_json = excluded.metadata_json`,
			row.EntityID, row.ComponentID, row.Component, row.UID, row.StartUTC, row.EndUTC,
			boolToInt(row.AllDay), row.Sequence, row.RRuleText, row.MetadataJSON); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListCalendarIndex(ctx context.Context, collectionID string) ([]storage.CalendarIndexRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		select ci.entity_id, ci.component_id, ci.component, ci.uid, ci.start_utc, ci.end_utc,
			ci.all_day, ci.sequence, ci.rrule_text, ci.metadata_json
		from calendar_index ci
		join instances i on i.entity_id = ci.entity_id
		where i.collection_id = ? and not i.deleted`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.CalendarIndexRow
	for rows.Next() {
		var r storage.CalendarIndexRow
		var allDay int
		if err := rows.Scan(&r.EntityID, &r.ComponentID, &r.Component, &r.UID, &r.StartUTC, &r.EndUTC,
			&allDay, &r.Sequence, &r.RRuleText, &r.MetadataJSON); err != nil {
			return nil, err
		}
		r.AllDay = allDay != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertOccurrences(ctx context.Context, rows []storage.OccurrenceRow) error {
	for _, row := range rows {
		if _, err := s.db.ExecContext(ctx, `
			insert into occurrences (entity_id, component_id, start_utc, end_utc, recurrence_id_utc)
			values (?, ?, ?, ?, ?)
			on conflict (entity_id, component_id, start_utc) do update set
				end_utc = excluded.end_utc, recurrence_id_utc = excluded.recurrence_id_utc`,
			row.EntityID, row.ComponentID, row.StartUTC, row.EndUTC, row.RecurrenceIDUTC); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListOccurrences(ctx context.Context, entityID string, start, end time.Time) ([]storage.OccurrenceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		select entity_id, component_id, start_utc, end_utc, recurrence_id_utc
		from occurrences
		where entity_id = ? and start_utc < ? and end_utc > ?
		order by start_utc`, entityID, end, start)
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
	_, err := s.db.ExecContext(ctx, `delete from occurrences where entity_id = ?`, entityID)
	return err
}

func (s *Store) UpsertCardIndex(ctx context.Context, row storage.CardIndexRow) error {
	_, err := s.db.ExecContext(ctx, `
		insert into card_index (entity_id, fn, search_vector, metadata_json)
		values (?, ?, ?, ?)
		on conflict (entity_id) do update set fn = excluded.fn, search_vector = excluded.search_vector, metadata_json = excluded.metadata_json`,
		row.EntityID, row.FN, row.SearchVector, row.MetadataJSON)
	return err
}

func (s *Store) ListCardIndex(ctx context.Context, collectionID string) ([]storage.CardIndexRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		select ci.entity_id, ci.fn, ci.search_vector, ci.metadata_json
		from card_index ci
		join instances i on i.entity_id = ci.entity_id
		where i.collection_id = ? and not i.deleted`, collectionID)
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
