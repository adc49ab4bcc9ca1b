package pg

import (
	"context"
	"database/sql"
	"errors"

	"atlas.org/internal/authz"
	"atlas.org/internal/ids"
	"atlas.org/internal/obs"
)

var _ authz.GrantStore = (*Store)(nil)

func (s *Store) Roles(ctx context.Context) ([]authz.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, created_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Role
	for rows.Next() {
		var r authz.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateRole(ctx context.Context, name, description string) (authz.Role, error) {
	if s.db == nil {
		return authz.Role{}, errNoDB
	}
	var r authz.Role
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning id, name, description, created_at
	`, ids.NewUUID(), authz.NormalizeRoleName(name), description).Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return authz.Role{}, authz.ErrInvalidInput
		}
		return authz.Role{}, err
	}
	return r, nil
}

func (s *Store) GrantActions(ctx context.Context, role string, resource authz.ResourceType, actions []authz.Action) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		roleID, err := roleIDTx(ctx, tx, role)
		if err != nil {
			return err
		}
		for _, a := range actions {
			if _, err := tx.ExecContext(ctx, `
				insert into role_grants (role_id, resource_type, action)
				values ($1, $2, $3)
				on conflict do nothing
			`, roleID, string(resource), string(a)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) RevokeActions(ctx context.Context, role string, resource authz.ResourceType, actions []authz.Action) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		roleID, err := roleIDTx(ctx, tx, role)
		if err != nil {
			return err
		}
		for _, a := range actions {
			if _, err := tx.ExecContext(ctx, `
				delete from role_grants
				where role_id = $1 and resource_type = $2 and action = $3
			`, roleID, string(resource), string(a)); err != nil {
				return err
			}
		}
		return nil
	})
}

// RoleGrants returns authz.ErrNotFound for an unknown role. Rows that no
// longer parse are skipped so they never grant anything.
func (s *Store) RoleGrants(ctx context.Context, role string) ([]authz.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select g.resource_type, g.action
		from roles r
		left join role_grants g on g.role_id = r.id
		where r.name = $1
	`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := false
	var out []authz.Permission
	for rows.Next() {
		found = true
		var resource, action sql.NullString
		if err := rows.Scan(&resource, &action); err != nil {
			return nil, err
		}
		if !resource.Valid || !action.Valid {
			continue
		}
		p, err := authz.ParsePermission(resource.String + "." + action.String)
		if err != nil {
			obs.Ctx(ctx).Warn().Str("role", role).Str("grant", resource.String+"."+action.String).Msg("skipping malformed grant")
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, authz.ErrNotFound
	}
	return out, nil
}

func roleIDTx(ctx context.Context, tx *sql.Tx, role string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `select id from roles where name = $1`, role).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", authz.ErrNotFound
	}
	return id, err
}
