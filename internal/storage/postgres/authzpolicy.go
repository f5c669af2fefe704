package postgres

import (
	"context"
	"fmt"

	"github.com/davkit/davkit/internal/storage"
)

func (s *Store) ListAuthorizationPolicies(ctx context.Context, collectionID string) ([]storage.AuthorizationPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		select id, collection_id, subject_principal_id, privilege, created_at
		from authorization_policies where collection_id = $1`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list authorization policies: %w", err)
	}
	defer rows.Close()
	var out []storage.AuthorizationPolicy
	for rows.Next() {
		var p storage.AuthorizationPolicy
		if err := rows.Scan(&p.ID, &p.CollectionID, &p.SubjectPrincipalID, &p.Privilege, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PutAuthorizationPolicy(ctx context.Context, p storage.AuthorizationPolicy) error {
	if p.ID == "" {
		p.ID = newID()
	}
	_, err := s.pool.Exec(ctx, `
		insert into authorization_policies (id, collection_id, subject_principal_id, privilege, created_at)
		values ($1, $2, $3, $4, now())
		on conflict (id) do update
			set privilege = excluded.privilege`,
		p.ID, p.CollectionID, p.SubjectPrincipalID, p.Privilege)
	if err != nil {
		return fmt.Errorf("postgres: put authorization policy: %w", err)
	}
	return nil
}

func (s *Store) DeleteAuthorizationPolicy(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `delete from authorization_policies where id = $1`, id)
	return err
}
