package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"taskboard/internal/models"
)

const userColumns = `u.id, u.email, u.password_hash, COALESCE(r.role, 'user') AS role, u.created_at`

// CreateUser inserts an account with the given role.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash, role string) (models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return models.User{}, fmt.Errorf("email must not be empty")
	}
	if role != models.RoleAdmin {
		role = models.RoleUser
	}

	id := newID()
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users(id, email, password_hash, created_at) VALUES(?, ?, ?, ?)`,
			id, email, passwordHash, s.now()); err != nil {
			return fmt.Errorf("insert user: %w", mapError(err))
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO user_roles(user_id, role) VALUES(?, ?)`, id, role); err != nil {
			return fmt.Errorf("insert role: %w", mapError(err))
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return s.GetUser(ctx, id)
}

// GetUser fetches a user and their role.
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users u LEFT JOIN user_roles r ON r.user_id = u.id WHERE u.id = ?`, id)
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", mapError(err))
	}
	return u, nil
}

// GetUserByEmail looks a user up case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users u LEFT JOIN user_roles r ON r.user_id = u.id WHERE lower(u.email) = lower(?)`,
		strings.TrimSpace(email))
	if err != nil {
		return models.User{}, fmt.Errorf("get user by email: %w", mapError(err))
	}
	return u, nil
}

// ListUsers returns every account ordered by email.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	users := []models.User{}
	err := s.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users u LEFT JOIN user_roles r ON r.user_id = u.id ORDER BY lower(u.email)`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ListProfiles returns the public profile of the given users, or of everybody when ids is empty.
func (s *Store) ListProfiles(ctx context.Context, ids ...string) ([]models.Profile, error) {
	profiles := []models.Profile{}
	if len(ids) == 0 {
		if err := s.db.SelectContext(ctx, &profiles, `SELECT id, email FROM users ORDER BY lower(email)`); err != nil {
			return nil, fmt.Errorf("list profiles: %w", err)
		}
		return profiles, nil
	}

	query, args, err := sqlx.In(`SELECT id, email FROM users WHERE id IN (?) ORDER BY lower(email)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build profiles query: %w", err)
	}
	if err := s.db.SelectContext(ctx, &profiles, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}

// UpdateUser changes the email and role of an account.
func (s *Store) UpdateUser(ctx context.Context, id, email, role string) (models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return models.User{}, fmt.Errorf("email must not be empty")
	}
	if role != models.RoleAdmin && role != models.RoleUser {
		return models.User{}, fmt.Errorf("role must be admin or user")
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET email = ? WHERE id = ?`, email, id)
		if err != nil {
			return fmt.Errorf("update user: %w", mapError(err))
		}
		if err := affectedOne(res, "user"); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO user_roles(user_id, role) VALUES(?, ?)
			ON CONFLICT(user_id) DO UPDATE SET role = excluded.role`, id, role)
		if err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes an account; owned projects and memberships cascade.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return affectedOne(res, "user")
}
