package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

// CreateUser inserts a new user and returns its id. Usernames are unique.
func (s *Store) CreateUser(ctx context.Context, u *types.User) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, display_name, role, password_salt, password_hash)
			 VALUES (?, ?, ?, ?, ?)`,
			u.Username, u.DisplayName, string(u.Role), u.PasswordSalt, u.PasswordHash)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		u.ID, err = res.LastInsertId()
		return err
	})
}

// GetUserByUsername looks up a user by unique username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, role, password_salt, password_hash, created_at
		 FROM users WHERE username = ?`, username)
	return s.scanUser(row, "user:name:"+username)
}

// GetUser looks up a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*types.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, role, password_salt, password_hash, created_at
		 FROM users WHERE id = ?`, id)
	return s.scanUser(row, fmt.Sprintf("user:id:%d", id))
}

func (s *Store) scanUser(row *sql.Row, cacheKey string) (*types.User, error) {
	var u types.User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &role,
		&u.PasswordSalt, &u.PasswordHash, &u.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, edgeerr.ErrNotFound
	case err != nil:
		// Degraded read path: serve the last known copy if we have one.
		if cached, ok := s.cache.Get(cacheKey); ok {
			s.markDegraded(err)
			cu := cached.(types.User)
			return &cu, nil
		}
		return nil, s.classify(err)
	}
	u.Role = types.Role(role)
	s.cache.SetDefault(cacheKey, u)
	s.cache.SetDefault(fmt.Sprintf("user:id:%d", u.ID), u)
	return &u, nil
}

// DeleteUser removes a user. Sessions and chat entries cascade; subjects
// and books are untouched.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return edgeerr.ErrNotFound
		}
		s.cache.Delete(fmt.Sprintf("user:id:%d", id))
		return nil
	})
}
