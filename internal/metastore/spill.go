package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

// pendingWrite is one write held in the spill buffer until the backing
// store is reachable again. Only chat entries spill today; the Kind field
// keeps the on-disk format open for other entities.
type pendingWrite struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Chat types.ChatEntry `json:"chat"`
}

func pendingChatEntry(e *types.ChatEntry) pendingWrite {
	return pendingWrite{ID: uuid.NewString(), Kind: "chat_entry", Chat: *e}
}

// spillBuffer is the bounded holding area for writes that could not be
// persisted. Producers are the inference workers; the single consumer is
// the reconnect worker. Entries are mirrored to disk so a crash between
// spill and drain loses nothing.
type spillBuffer struct {
	mu      sync.Mutex
	dir     string
	limit   int
	pending []pendingWrite
}

func newSpillBuffer(dir string, limit int) (*spillBuffer, error) {
	b := &spillBuffer{dir: dir, limit: limit}
	if dir == "" {
		return b, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	// Recover writes that were spilled before a crash or restart.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ent.Name()))
		if err != nil {
			continue
		}
		var w pendingWrite
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		b.pending = append(b.pending, w)
	}
	return b, nil
}

// add buffers a write. Overflow is a hard error surfaced as Degraded.
func (b *spillBuffer) add(w pendingWrite) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.limit {
		return edgeerr.Wrapf(edgeerr.KindDegraded, nil,
			"spill buffer full (%d pending writes)", len(b.pending))
	}
	b.pending = append(b.pending, w)
	if b.dir != "" {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		path := filepath.Join(b.dir, w.ID+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("persist spill entry: %w", err)
		}
	}
	return nil
}

// peek returns the oldest pending write without removing it.
func (b *spillBuffer) peek() (pendingWrite, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return pendingWrite{}, false
	}
	return b.pending[0], true
}

// remove drops a drained write from memory and disk.
func (b *spillBuffer) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.pending {
		if w.ID == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}
	if b.dir != "" {
		_ = os.Remove(filepath.Join(b.dir, id+".json"))
	}
}

func (b *spillBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PendingWrites reports the spill backlog size (health endpoint).
func (s *Store) PendingWrites() int { return s.spill.len() }

// ReplaySpill drains the entire spill buffer synchronously. The daemon
// calls this before accepting traffic so a restart converges to the same
// chat-entry set as an uninterrupted run.
func (s *Store) ReplaySpill(ctx context.Context) error {
	for {
		w, ok := s.spill.peek()
		if !ok {
			return nil
		}
		if err := s.drainOne(ctx, w); err != nil {
			return err
		}
	}
}

// reconnectLoop drains the spill buffer in the background once the store
// answers pings again.
func (s *Store) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.spill.len() == 0 {
				continue
			}
			if err := s.Ping(ctx); err != nil {
				continue
			}
			if err := s.ReplaySpill(ctx); err != nil {
				s.log.Warn("spill drain interrupted", zap.Error(err))
				continue
			}
			s.clearDegraded()
			s.log.Info("spill buffer drained")
		}
	}
}

func (s *Store) drainOne(ctx context.Context, w pendingWrite) error {
	switch w.Kind {
	case "chat_entry":
		e := w.Chat
		if err := s.insertChatEntry(ctx, &e); err != nil {
			if isRetryable(err) {
				return err
			}
			// Non-retryable entries (e.g. user since deleted) are dropped
			// rather than wedging the drain.
			s.log.Warn("dropping non-replayable spill entry", zap.String("kind", w.Kind))
		}
	default:
		s.log.Warn("unknown spill entry kind", zap.String("kind", w.Kind))
	}
	s.spill.remove(w.ID)
	return nil
}

// isRetryable reports whether a write failure is worth replaying later.
// Infrastructure failures are; constraint violations are not.
func isRetryable(err error) bool {
	if errors.Is(err, edgeerr.ErrResourceUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
