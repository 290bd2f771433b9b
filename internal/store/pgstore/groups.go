package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/todo-1m/taskchat/internal/contracts"
	"github.com/todo-1m/taskchat/internal/entity"
	"github.com/todo-1m/taskchat/internal/store"
)

const upsertProfileSQL = `
INSERT INTO profiles (id, display_name, email, points, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (id) DO UPDATE
SET display_name = EXCLUDED.display_name,
    email = EXCLUDED.email,
    updated_at = now()
`

// UpsertProfile mirrors identity fields. Points are owned by the profile row and are
// only written on first insert.
func (s *Store) UpsertProfile(ctx context.Context, p entity.Profile) error {
	_, err := s.Pool.Exec(ctx, upsertProfileSQL, p.ID, p.DisplayName, p.Email, p.Points)
	return mapError("UpsertProfile", err)
}

func (s *Store) GetProfile(ctx context.Context, id string) (entity.Profile, error) {
	var p entity.Profile
	err := s.Pool.QueryRow(ctx,
		`SELECT id, display_name, email, points FROM profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.DisplayName, &p.Email, &p.Points)
	if err != nil {
		return entity.Profile{}, mapError("GetProfile", err)
	}
	return p, nil
}

func (s *Store) GetProfiles(ctx context.Context, ids []string) ([]entity.Profile, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, display_name, email, points FROM profiles WHERE id = ANY($1) ORDER BY id`, ids,
	)
	if err != nil {
		return nil, mapError("GetProfiles", err)
	}
	defer rows.Close()

	result := make([]entity.Profile, 0, len(ids))
	for rows.Next() {
		var p entity.Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Email, &p.Points); err != nil {
			return nil, mapError("GetProfiles", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("GetProfiles", err)
	}
	return result, nil
}

func (s *Store) CreateGroup(ctx context.Context, group entity.Group, members []string) error {
	return s.inTx(ctx, "CreateGroup", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO groups (id, name, created_by, created_at) VALUES ($1, $2, $3, $4)`,
			group.ID, group.Name, group.CreatedBy, group.CreatedAt,
		); err != nil {
			return err
		}
		for _, m := range members {
			if _, err := tx.Exec(ctx,
				`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				group.ID, m,
			); err != nil {
				return err
			}
		}
		_, err := s.appendChange(ctx, tx, store.GroupChange(contracts.OpInsert, group.ID, members))
		return err
	})
}

func (s *Store) AddGroupMember(ctx context.Context, groupID, userID string) error {
	return s.inTx(ctx, "AddGroupMember", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)`, groupID, userID,
		); err != nil {
			return err
		}
		members, err := listGroupMembers(ctx, tx, groupID)
		if err != nil {
			return err
		}
		_, err = s.appendChange(ctx, tx, store.GroupChange(contracts.OpInsert, groupID, members))
		return err
	})
}

func (s *Store) GetGroups(ctx context.Context, ids []string) ([]entity.Group, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, name, created_by, created_at FROM groups WHERE id = ANY($1) ORDER BY name, id`, ids,
	)
	if err != nil {
		return nil, mapError("GetGroups", err)
	}
	defer rows.Close()

	result := make([]entity.Group, 0, len(ids))
	for rows.Next() {
		var g entity.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedBy, &g.CreatedAt); err != nil {
			return nil, mapError("GetGroups", err)
		}
		g.CreatedAt = utc(g.CreatedAt)
		result = append(result, g)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("GetGroups", err)
	}
	return result, nil
}

func (s *Store) ListGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var exists bool
	if err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1)`, groupID).Scan(&exists); err != nil {
		return nil, mapError("ListGroupMembers", err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	members, err := listGroupMembers(ctx, s.Pool, groupID)
	return members, mapError("ListGroupMembers", err)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listGroupMembers(ctx context.Context, q querier, groupID string) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) ListGroupIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`, userID,
	)
	if err != nil {
		return nil, mapError("ListGroupIDsForUser", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, mapError("ListGroupIDsForUser", err)
}

func (s *Store) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	var ok bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID,
	).Scan(&ok)
	return ok, mapError("IsGroupMember", err)
}
