package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"atlas.org/internal/auth"
	"atlas.org/internal/authz"
	"atlas.org/internal/ids"
)

var _ auth.Store = (*Store)(nil)

const userColumns = `id, email, name, password_hash, active, staff, superuser, deleted_at, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, name, password_hash, active, staff, superuser, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Active, u.Staff, u.Superuser, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) UserByID(ctx context.Context, id string) (*auth.User, error) {
	if !ids.IsUUID(id) {
		return nil, auth.ErrNotFound
	}
	return s.userWhere(ctx, `id = $1`, id)
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.userWhere(ctx, `email = $1`, email)
}

func (s *Store) userWhere(ctx context.Context, cond string, arg any) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		u       auth.User
		deleted sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where `+cond, arg).Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Active, &u.Staff, &u.Superuser, &deleted, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.DeletedAt = timePtr(deleted)
	return &u, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, hash string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID, hash)
	if err != nil {
		return err
	}
	return affectedOne(res, auth.ErrNotFound)
}

func (s *Store) Anonymize(ctx context.Context, userID, email, name string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			update users
			set email = $2, name = $3, active = false, staff = false, superuser = false,
			    deleted_at = $4, updated_at = $4
			where id = $1 and deleted_at is null
		`, userID, email, name, at)
		if err != nil {
			return err
		}
		if err := affectedOne(res, auth.ErrNotFound); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `delete from user_links where user_id = $1`, userID)
		return err
	})
}

func (s *Store) UserRoles(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// SetUserRoles replaces the user's memberships with roles.
func (s *Store) SetUserRoles(ctx context.Context, userID string, roles []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
			return err
		}
		for _, role := range roles {
			res, err := tx.ExecContext(ctx, `
				insert into user_roles (user_id, role_id)
				select $1, id from roles where name = $2
				on conflict do nothing
			`, userID, role)
			if err != nil {
				if isForeignKeyViolation(err) {
					return auth.ErrNotFound
				}
				return err
			}
			if err := affectedOne(res, auth.ErrInvalidInput); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) UserLinks(ctx context.Context, userID string) ([]authz.Link, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select l.id, l.user_id, l.active, l.created_at,
		       s.id, s.code, s.name, s.active,
		       d.id, d.code, d.name, d.active
		from user_links l
		join systems s on s.id = l.system_id
		join departments d on d.id = l.department_id
		where l.user_id = $1
		order by s.code, d.code
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.Link
	for rows.Next() {
		var (
			l         authz.Link
			sys, dept string
		)
		if err := rows.Scan(
			&l.ID, &l.UserID, &l.Active, &l.CreatedAt,
			&l.System.ID, &sys, &l.System.Name, &l.System.Active,
			&l.Department.ID, &dept, &l.Department.Name, &l.Department.Active,
		); err != nil {
			return nil, err
		}
		l.System.Code = authz.SystemCode(sys)
		l.Department.Code = authz.DepartmentCode(dept)
		out = append(out, l)
	}
	return out, rows.Err()
}
