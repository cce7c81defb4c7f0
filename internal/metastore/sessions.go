package metastore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

// InsertSession stores a freshly issued session token.
func (s *Store) InsertSession(ctx context.Context, sess *types.Session) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (token, user_id, issued_at, expires_at) VALUES (?, ?, ?, ?)`,
			sess.Token, sess.UserID, sess.IssuedAt.UTC(), sess.ExpiresAt.UTC())
		return err
	})
}

// GetSession fetches a session by token. Expiry is NOT checked here; the
// auth layer applies the strict now < expiry rule.
func (s *Store) GetSession(ctx context.Context, token string) (*types.Session, error) {
	var sess types.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT token, user_id, issued_at, expires_at FROM sessions WHERE token = ?`,
		token).Scan(&sess.Token, &sess.UserID, &sess.IssuedAt, &sess.ExpiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, edgeerr.ErrNotFound
	case err != nil:
		return nil, s.classify(err)
	}
	return &sess, nil
}

// DeleteSessionsForUser invalidates every session owned by the user
// (coarse-grained logout).
func (s *Store) DeleteSessionsForUser(ctx context.Context, userID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
		return err
	})
}

// SweepExpiredSessions removes sessions with expires_at < now and returns
// the number removed. A session expiring exactly at now is kept; the auth
// verify path still rejects it under the strict comparison.
func (s *Store) SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE expires_at < ?`, now.UTC())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
