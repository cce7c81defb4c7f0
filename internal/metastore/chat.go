package metastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

// AppendChatEntry persists one answered question. The user foreign key
// guarantees the entry references a live user at write time. When the
// store is unreachable the entry is spilled instead of lost; the caller
// treats that as success (the reconnect worker replays it).
func (s *Store) AppendChatEntry(ctx context.Context, e *types.ChatEntry) error {
	err := s.insertChatEntry(ctx, e)
	if err == nil {
		s.clearDegraded()
		return nil
	}

	// Spill only infrastructure failures; constraint violations would
	// fail identically on replay.
	if !isRetryable(err) {
		return err
	}
	s.markDegraded(err)
	if spillErr := s.spill.add(pendingChatEntry(e)); spillErr != nil {
		return spillErr
	}
	s.log.Warn("chat entry spilled for later replay")
	return nil
}

func (s *Store) insertChatEntry(ctx context.Context, e *types.ChatEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chat_entries (user_id, subject_id, question, response, confidence, partial)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.UserID, e.SubjectID, e.Question, e.Response, e.Confidence, boolToInt(e.Partial))
		if err != nil {
			return fmt.Errorf("insert chat entry: %w", err)
		}
		e.ID, err = res.LastInsertId()
		return err
	})
}

// ListChatEntries returns the most recent entries for a user, newest first.
func (s *Store) ListChatEntries(ctx context.Context, userID int64, limit int) ([]types.ChatEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, subject_id, question, response, confidence, partial, created_at
		 FROM chat_entries WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var out []types.ChatEntry
	for rows.Next() {
		var e types.ChatEntry
		var partial int
		if err := rows.Scan(&e.ID, &e.UserID, &e.SubjectID, &e.Question, &e.Response,
			&e.Confidence, &partial, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Partial = partial == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountChatEntries returns the total number of persisted entries.
func (s *Store) CountChatEntries(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_entries`).Scan(&n); err != nil {
		return 0, s.classify(err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
