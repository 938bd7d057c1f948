package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/pavelanni/examhub/internal/model"
)

const userColumns = `id, username, password_hash, is_admin, created_at`

// CreateUser inserts a new user.
func (c conn) CreateUser(ctx context.Context, u model.User) (int64, error) {
	var id int64
	err := c.q.QueryRowContext(ctx,
		`INSERT INTO users (username, password_hash, is_admin, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		u.Username, u.PasswordHash, u.IsAdmin, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		slog.Error("failed to create user", "username", u.Username, "error", err)
		return 0, err
	}
	slog.Info("created user", "id", id, "username", u.Username, "is_admin", u.IsAdmin)
	return id, nil
}

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername returns a user by username, or nil if there is none.
func (c conn) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return scanUser(c.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// GetUserByID returns a user by ID, or nil if there is none.
func (c conn) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(c.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// ListUsers returns all users.
func (c conn) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UserCount returns the total number of users.
func (c conn) UserCount(ctx context.Context) (int, error) {
	var count int
	err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
