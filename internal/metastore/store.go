// Package metastore is the durable relational store for users, sessions,
// subjects, books, chat history, and VKP installation records.
//
// Contract properties:
//   - multi-row operations run inside a single transaction (all-or-nothing)
//   - the connection pool is bounded; exhaustion fails with
//     edgeerr.ErrResourceUnavailable after the acquire timeout
//   - on connectivity loss the store degrades to cached reads and spills
//     pending writes to a bounded buffer drained by a reconnect worker
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/sqlitedrv"
)

// Options tune pool limits and spill behaviour.
type Options struct {
	// PoolSize bounds concurrent connections. Default 8.
	PoolSize int
	// AcquireTimeout bounds the wait for a pooled connection. Default 5s.
	AcquireTimeout time.Duration
	// SpillDir is the durable holding area for writes that could not be
	// persisted. Empty disables durable spill (tests).
	SpillDir string
	// SpillLimit bounds the number of buffered pending writes. Default 1024.
	SpillLimit int
	// SweepInterval is the expired-session sweep cadence. Default 5m.
	SweepInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.SpillLimit <= 0 {
		o.SpillLimit = 1024
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
}

// Store is the metadata store backed by SQLite.
type Store struct {
	db   *sql.DB
	opts Options
	log  *zap.Logger

	// Read cache for degraded mode. Keys are entity-scoped strings.
	cache *gocache.Cache

	// degraded is set while the backing store is unreachable.
	degraded atomic.Bool

	spill *spillBuffer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New opens the store at path and runs migrations.
func New(path string, opts Options) (*Store, error) {
	opts.withDefaults()

	db, err := sqlitedrv.Open(path, opts.PoolSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		opts:   opts,
		log:    logging.Get("metastore"),
		cache:  gocache.New(10*time.Minute, 30*time.Minute),
		stopCh: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	sp, err := newSpillBuffer(opts.SpillDir, opts.SpillLimit)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("spill buffer: %w", err)
	}
	s.spill = sp

	s.log.Info("metadata store ready",
		zap.String("path", path),
		zap.Int("pool_size", opts.PoolSize))
	return s, nil
}

// Start launches the background workers: the expired-session sweep and the
// reconnect worker that drains the spill buffer.
func (s *Store) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.reconnectLoop(ctx)
	}()
}

// Close stops workers and closes the pool.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.db.Close()
}

// Degraded reports whether the store is currently serving in degraded mode.
func (s *Store) Degraded() bool { return s.degraded.Load() }

// Ping verifies a round-trip to the backing database.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.AcquireTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to destPath using
// VACUUM INTO, which runs against a live WAL database without blocking
// writers.
func (s *Store) Snapshot(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	return nil
}

// withTx runs fn inside a transaction. Any error rolls back every write
// performed by fn.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.AcquireTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.classify(err)
	}
	if err := tx.Commit(); err != nil {
		return s.classify(err)
	}
	return nil
}

// classify maps driver failures onto the taxonomy and flips degraded mode
// when the database itself is unreachable.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.markDegraded(err)
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		s.markDegraded(err)
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	return err
}

func (s *Store) markDegraded(cause error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.log.Warn("entering degraded mode", zap.Error(cause))
	}
}

func (s *Store) clearDegraded() {
	if s.degraded.CompareAndSwap(true, false) {
		s.log.Info("store recovered, degraded mode cleared")
	}
}

// sweepLoop removes expired sessions on a fixed cadence.
func (s *Store) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.SweepExpiredSessions(ctx, time.Now())
			if err != nil {
				s.log.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Debug("session sweep", zap.Int64("removed", n))
			}
		}
	}
}
