// Package vectorstore is the facade over the chunk similarity index. It
// stores chunk text and embeddings in SQLite, one logical collection per
// installed VKP, and serves cosine-similarity search over the collections
// whose active pointer is set.
//
// Concurrency discipline: any number of concurrent readers; one writer.
// Writers never mutate a collection readers can see: installs go to a
// staged collection and become visible only through the atomic pointer
// swap in Activate. A search resolves its collection handles once at call
// start, so an in-flight query keeps reading the version it started with
// even if Activate swaps the pointer mid-query.
package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/sqlitedrv"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

// Collection states.
const (
	stateStaged = "staged" // installed but never activated; invisible to search
	stateActive = "active" // the one searchable version per (subject, grade)
	stateGrace  = "grace"  // deactivated, still addressable for rollback
)

// SubjectFilter narrows a search to one (subject, grade).
type SubjectFilter struct {
	SubjectCode string
	Grade       int
}

// Result is one search hit, ordered by descending score.
type Result struct {
	ChunkID    string
	Text       string
	BookID     int64
	Ordinal    int
	TokenCount int
	Score      float64
	// VKPID identifies the collection the hit came from.
	VKPID int64
}

// Options tune the gateway.
type Options struct {
	// GracePeriod keeps deactivated versions addressable for rollback.
	// Default 7 days.
	GracePeriod time.Duration
	// InstallBatchSize bounds how long one insert batch holds the writer.
	// Default 500 chunks.
	InstallBatchSize int
}

func (o *Options) withDefaults() {
	if o.GracePeriod <= 0 {
		o.GracePeriod = 7 * 24 * time.Hour
	}
	if o.InstallBatchSize <= 0 {
		o.InstallBatchSize = 500
	}
}

// Gateway wraps the chunk index.
type Gateway struct {
	db   *sql.DB
	opts Options
	log  *zap.Logger

	// writerMu serializes installation and pruning (single writer).
	writerMu sync.Mutex

	// activeMu guards the active pointer map. Readers hold it only long
	// enough to resolve collection handles.
	activeMu sync.RWMutex
	active   map[string]int64 // "code/grade" -> vkp collection id

	vecExt bool // sqlite-vec extension detected
}

// New opens (or creates) the chunk index at path.
func New(path string, opts Options) (*Gateway, error) {
	opts.withDefaults()

	db, err := sqlitedrv.Open(path, 8)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		db:     db,
		opts:   opts,
		log:    logging.Get("vectorstore"),
		active: make(map[string]int64),
	}

	if err := g.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := g.loadActivePointers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load active pointers: %w", err)
	}

	g.vecExt = detectVecExtension(db)
	if g.vecExt {
		g.log.Info("sqlite-vec extension detected")
	} else {
		g.log.Debug("sqlite-vec extension not available, using in-process scan")
	}

	return g, nil
}

func (g *Gateway) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			vkp_id         INTEGER PRIMARY KEY,
			subject_code   TEXT NOT NULL,
			grade          INTEGER NOT NULL,
			version        TEXT NOT NULL,
			state          TEXT NOT NULL CHECK (state IN ('staged','active','grace')),
			created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deactivated_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_collections_subject
			ON collections(subject_code, grade);`,

		`CREATE TABLE IF NOT EXISTS chunks (
			vkp_id      INTEGER NOT NULL REFERENCES collections(vkp_id) ON DELETE CASCADE,
			chunk_id    TEXT NOT NULL,
			book_id     INTEGER NOT NULL,
			ordinal     INTEGER NOT NULL,
			text        TEXT NOT NULL,
			embedding   BLOB NOT NULL,
			token_count INTEGER NOT NULL,
			PRIMARY KEY (vkp_id, chunk_id)
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(vkp_id);`,
	}
	for _, stmt := range stmts {
		if _, err := g.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) loadActivePointers() error {
	rows, err := g.db.Query(
		`SELECT vkp_id, subject_code, grade FROM collections WHERE state = 'active'`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var code string
		var grade int
		if err := rows.Scan(&id, &code, &grade); err != nil {
			return err
		}
		g.active[pointerKey(code, grade)] = id
	}
	return rows.Err()
}

func pointerKey(code string, grade int) string {
	return fmt.Sprintf("%s/%d", code, grade)
}

// Close closes the backing database.
func (g *Gateway) Close() error { return g.db.Close() }

// Ping verifies a round-trip to the index.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.db.PingContext(ctx); err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	return nil
}

// Snapshot writes a consistent copy of the index to destPath using
// VACUUM INTO.
func (g *Gateway) Snapshot(ctx context.Context, destPath string) error {
	if _, err := g.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	return nil
}

// Search returns the k most similar chunks from active collections,
// ordered by descending cosine similarity with ties broken by chunk
// ordinal. Chunks from deactivated or never-activated collections are
// never returned.
func (g *Gateway) Search(ctx context.Context, queryEmbedding []float32, filter *SubjectFilter, k int) ([]Result, error) {
	if k <= 0 {
		k = 5
	}

	// Resolve collection handles once; the rest of the call reads that
	// snapshot even if an activation swap happens concurrently.
	collections := g.resolveActive(filter)
	if len(collections) == 0 {
		return nil, nil
	}

	var results []Result
	for _, vkpID := range collections {
		hits, err := g.searchCollection(ctx, vkpID, queryEmbedding)
		if err != nil {
			return nil, err
		}
		results = append(results, hits...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Ordinal < results[j].Ordinal
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (g *Gateway) resolveActive(filter *SubjectFilter) []int64 {
	g.activeMu.RLock()
	defer g.activeMu.RUnlock()
	if filter != nil {
		if id, ok := g.active[pointerKey(filter.SubjectCode, filter.Grade)]; ok {
			return []int64{id}
		}
		return nil
	}
	out := make([]int64, 0, len(g.active))
	for _, id := range g.active {
		out = append(out, id)
	}
	return out
}

// searchCollection scores one collection, inside SQLite when the
// sqlite-vec extension is loaded and with an in-process scan otherwise.
func (g *Gateway) searchCollection(ctx context.Context, vkpID int64, query []float32) ([]Result, error) {
	if g.vecExt {
		hits, err := g.vecSearchCollection(ctx, vkpID, query)
		if err == nil {
			return hits, nil
		}
		g.log.Warn("sqlite-vec query failed, falling back to scan", zap.Error(err))
	}
	return g.scanCollection(ctx, vkpID, query)
}

// vecSearchCollection pushes the distance computation into the
// extension, sparing the per-row blob decode on the Go side.
func (g *Gateway) vecSearchCollection(ctx context.Context, vkpID int64, query []float32) ([]Result, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT chunk_id, book_id, ordinal, text, token_count,
		        vec_distance_cosine(embedding, ?) AS dist
		 FROM chunks WHERE vkp_id = ?`, EncodeVector(query), vkpID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var dist float64
		if err := rows.Scan(&r.ChunkID, &r.BookID, &r.Ordinal, &r.Text, &r.TokenCount, &dist); err != nil {
			return nil, err
		}
		// vec_distance_cosine reports 1 - cosine similarity.
		r.Score = 1 - dist
		r.VKPID = vkpID
		out = append(out, r)
	}
	return out, rows.Err()
}

func (g *Gateway) scanCollection(ctx context.Context, vkpID int64, query []float32) ([]Result, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT chunk_id, book_id, ordinal, text, embedding, token_count
		 FROM chunks WHERE vkp_id = ?`, vkpID)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var blob []byte
		if err := rows.Scan(&r.ChunkID, &r.BookID, &r.Ordinal, &r.Text, &blob, &r.TokenCount); err != nil {
			return nil, err
		}
		emb, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		score, err := CosineSimilarity(query, emb)
		if err != nil {
			continue
		}
		r.Score = score
		r.VKPID = vkpID
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChunkCount returns the number of chunks in one collection.
func (g *Gateway) ChunkCount(ctx context.Context, vkpID int64) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE vkp_id = ?`, vkpID).Scan(&n)
	return n, err
}

// StorageBytes reports the approximate on-disk size of the index
// (telemetry input).
func (g *Gateway) StorageBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := g.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := g.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Chunks loads every chunk of one collection (used by the delta patcher
// to rebuild an artifact from the installed base).
func (g *Gateway) Chunks(ctx context.Context, vkpID int64) ([]types.Chunk, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT chunk_id, book_id, ordinal, text, embedding, token_count
		 FROM chunks WHERE vkp_id = ? ORDER BY book_id, ordinal`, vkpID)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.BookID, &c.Ordinal, &c.Text, &blob, &c.TokenCount); err != nil {
			return nil, err
		}
		emb, err := DecodeVector(blob)
		if err != nil {
			return nil, err
		}
		c.Embedding = emb
		c.VKPID = vkpID
		out = append(out, c)
	}
	return out, rows.Err()
}
