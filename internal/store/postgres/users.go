package postgres

import (
	"context"
	"fmt"

	"equipment-loan-api/internal/models"

	"github.com/lib/pq"
)

const userColumns = `id, email, password_hash, name, roles, is_active, created_at, updated_at, last_login_at`

func scanUser(s scanner) (models.User, error) {
	var u models.User
	var roles pq.StringArray
	err := s.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &roles, &u.IsActive,
		&u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	u.Roles = roles
	return u, err
}

func (r reader) GetUser(ctx context.Context, id int64) (models.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, notFound(err, "user %d not found", id)
}

func (r reader) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
	return u, notFound(err, "user %q not found", email)
}

func (r reader) ListUsers(ctx context.Context) ([]models.User, error) {
	return collect(ctx, r.q, scanUser, `SELECT `+userColumns+` FROM users ORDER BY id`)
}

func (t *tx) InsertUser(ctx context.Context, u *models.User) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, name, roles, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		u.Email, u.PasswordHash, u.Name, pq.StringArray(u.Roles), u.IsActive, u.CreatedAt, u.UpdatedAt,
	).Scan(&u.ID)
	return mapWriteError(err, fmt.Sprintf("user %s", u.Email))
}

func (t *tx) UpdateUser(ctx context.Context, u models.User) error {
	return t.execOne(ctx, fmt.Sprintf("user %d", u.ID), `
		UPDATE users
		SET name = $2, roles = $3, is_active = $4, password_hash = $5, updated_at = $6, last_login_at = $7
		WHERE id = $1`,
		u.ID, u.Name, pq.StringArray(u.Roles), u.IsActive, u.PasswordHash, u.UpdatedAt, u.LastLoginAt)
}

// DeleteUser relies on ON DELETE SET NULL for operator ids and CASCADE for memberships.
func (t *tx) DeleteUser(ctx context.Context, id int64) error {
	return t.execOne(ctx, fmt.Sprintf("user %d", id), `DELETE FROM users WHERE id = $1`, id)
}
