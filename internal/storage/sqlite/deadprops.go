package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/davkit/davkit/internal/storage"
)

func (s *Store) ListDeadProperties(ctx context.Context, resourceID string) ([]storage.DeadProperty, error) {
	rows, err := s.db.QueryContext(ctx, `
		select resource_id, namespace, name, value_xml, updated_at
		from dead_properties where resource_id = ?`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list dead properties: %w", err)
	}
	defer rows.Close()
	var out []storage.DeadProperty
	for rows.Next() {
		var p storage.DeadProperty
		if err := rows.Scan(&p.ResourceID, &p.Namespace, &p.Name, &p.ValueXML, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetDeadProperty(ctx context.Context, p storage.DeadProperty) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into dead_properties (resource_id, namespace, name, value_xml, updated_at)
			values (?, ?, ?, ?, ?)
			on conflict (resource_id, namespace, name) do update
				set value_xml = excluded.value_xml, updated_at = excluded.updated_at`,
			p.ResourceID, p.Namespace, p.Name, p.ValueXML, nowUTC())
		if err != nil {
			return fmt.Errorf("sqlite: set dead property: %w", err)
		}
		return nil
	})
}

func (s *Store) RemoveDeadProperty(ctx context.Context, resourceID, namespace, name string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from dead_properties where resource_id = ? and namespace = ? and name = ?`,
		resourceID, namespace, name)
	return err
}
