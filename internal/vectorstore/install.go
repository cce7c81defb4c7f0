package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

// Install bulk-inserts a VKP's chunks into a staged collection identified
// by vkpID. The collection stays invisible to Search until Activate flips
// the pointer, so queries never observe a half-installed package. Inserts
// run in bounded batches so the writer never holds the database for longer
// than one batch.
func (g *Gateway) Install(ctx context.Context, vkpID int64, subjectCode string, grade int, version string, chunks []types.Chunk) error {
	g.writerMu.Lock()
	defer g.writerMu.Unlock()

	_, err := g.db.ExecContext(ctx,
		`INSERT INTO collections (vkp_id, subject_code, grade, version, state)
		 VALUES (?, ?, ?, ?, 'staged')
		 ON CONFLICT(vkp_id) DO NOTHING`,
		vkpID, subjectCode, grade, version)
	if err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}

	// A re-run after a crash mid-install starts clean.
	if _, err := g.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE vkp_id = ?`, vkpID); err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}

	for start := 0; start < len(chunks); start += g.opts.InstallBatchSize {
		end := min(start+g.opts.InstallBatchSize, len(chunks))
		if err := g.insertBatch(ctx, vkpID, chunks[start:end]); err != nil {
			return err
		}
	}

	g.log.Info("collection staged",
		zap.Int64("vkp_id", vkpID),
		zap.String("subject", subjectCode),
		zap.Int("grade", grade),
		zap.String("version", version),
		zap.Int("chunks", len(chunks)))
	return nil
}

func (g *Gateway) insertBatch(ctx context.Context, vkpID int64, chunks []types.Chunk) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (vkp_id, chunk_id, book_id, ordinal, text, embedding, token_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx,
			vkpID, c.ID, c.BookID, c.Ordinal, c.Text, EncodeVector(c.Embedding), c.TokenCount); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Activate flips the active pointer for (subject, grade) to the given
// version in a single atomic step. The previously active collection moves
// to the grace state and stays addressable for rollback until pruned.
func (g *Gateway) Activate(ctx context.Context, subjectCode string, grade int, version string) error {
	g.writerMu.Lock()
	defer g.writerMu.Unlock()

	var newID int64
	err := g.db.QueryRowContext(ctx,
		`SELECT vkp_id FROM collections
		 WHERE subject_code = ? AND grade = ? AND version = ?`,
		subjectCode, grade, version).Scan(&newID)
	if errors.Is(err, sql.ErrNoRows) {
		return edgeerr.Wrapf(edgeerr.KindNotFound, nil,
			"no staged collection for %s grade %d version %s", subjectCode, grade, version)
	}
	if err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE collections SET state = 'grace', deactivated_at = ?
		 WHERE subject_code = ? AND grade = ? AND state = 'active' AND vkp_id != ?`,
		time.Now().UTC(), subjectCode, grade, newID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE collections SET state = 'active', deactivated_at = NULL WHERE vkp_id = ?`,
		newID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}

	// The in-memory pointer swap is what readers observe; it happens after
	// the durable swap so a crash between the two re-derives the same
	// state from disk.
	g.activeMu.Lock()
	g.active[pointerKey(subjectCode, grade)] = newID
	g.activeMu.Unlock()

	g.log.Info("collection activated",
		zap.String("subject", subjectCode),
		zap.Int("grade", grade),
		zap.String("version", version),
		zap.Int64("vkp_id", newID))
	return nil
}

// DiscardStaged removes a staged collection that failed activation.
func (g *Gateway) DiscardStaged(ctx context.Context, vkpID int64) error {
	g.writerMu.Lock()
	defer g.writerMu.Unlock()

	res, err := g.db.ExecContext(ctx,
		`DELETE FROM collections WHERE vkp_id = ? AND state = 'staged'`, vkpID)
	if err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return edgeerr.ErrNotFound
	}
	_, err = g.db.ExecContext(ctx, `DELETE FROM chunks WHERE vkp_id = ?`, vkpID)
	return err
}

// PruneExpired removes collections that left the grace window, returning
// the pruned collection ids. Active and staged collections are never
// touched.
func (g *Gateway) PruneExpired(ctx context.Context, now time.Time) ([]int64, error) {
	g.writerMu.Lock()
	defer g.writerMu.Unlock()

	cutoff := now.Add(-g.opts.GracePeriod).UTC()
	rows, err := g.db.QueryContext(ctx,
		`SELECT vkp_id FROM collections WHERE state = 'grace' AND deactivated_at < ?`, cutoff)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := g.db.ExecContext(ctx, `DELETE FROM chunks WHERE vkp_id = ?`, id); err != nil {
			return nil, err
		}
		if _, err := g.db.ExecContext(ctx, `DELETE FROM collections WHERE vkp_id = ?`, id); err != nil {
			return nil, err
		}
		g.log.Info("pruned collection out of grace", zap.Int64("vkp_id", id))
	}
	return ids, nil
}

// CollectionState returns the lifecycle state of one collection.
func (g *Gateway) CollectionState(ctx context.Context, vkpID int64) (string, error) {
	var state string
	err := g.db.QueryRowContext(ctx,
		`SELECT state FROM collections WHERE vkp_id = ?`, vkpID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", edgeerr.ErrNotFound
	}
	return state, err
}
