package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/davkit/davkit/internal/storage"
)

func (s *Store) ListAuthorizationPolicies(ctx context.Context, collectionID string) ([]storage.AuthorizationPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, collection_id, subject_principal_id, privilege, created_at
		from authorization_policies where collection_id = ?`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list authorization policies: %w", err)
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into authorization_policies (id, collection_id, subject_principal_id, privilege, created_at)
			values (?, ?, ?, ?, ?)
			on conflict (id) do update set privilege = excluded.privilege`,
			p.ID, p.CollectionID, p.SubjectPrincipalID, p.Privilege, nowUTC())
		if err != nil {
			return fmt.Errorf("sqlite: put authorization policy: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteAuthorizationPolicy(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from authorization_policies where id = ?`, id)
	return err
}
