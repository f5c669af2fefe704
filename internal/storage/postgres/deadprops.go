package postgres

import (
	"context"
	"fmt"

	"github.com/davkit/davkit/internal/storage"
)

func (s *Store) ListDeadProperties(ctx context.Context, resourceID string) ([]storage.DeadProperty, error) {
	rows, err := s.pool.Query(ctx, `
		select resource_id, namespace, name, value_xml, updated_at
		from dead_properties where resource_id = $1`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead properties: %w", err)
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
	_, err := s.pool.Exec(ctx, `
		insert into dead_properties (resource_id, namespace, name, value_xml, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (resource_id, namespace, name) do update
			set value_xml = excluded.value_xml, updated_at = now()`,
		p.ResourceID, p.Namespace, p.Name, p.ValueXML)
	if err != nil {
		return fmt.Errorf("postgres: set dead property: %w", err)
	}
	return nil
}

func (s *Store) RemoveDeadProperty(ctx context.Context, resourceID, namespace, name string) error {
	_, err := s.pool.Exec(ctx, `
		delete from dead_properties where resource_id = $1 and namespace = $2 and name = $3`,
		resourceID, namespace, name)
	return err
}
