package vectorstore

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func chunk(id string, ordinal int, emb []float32) types.Chunk {
	return types.Chunk{
		ID:         id,
		BookID:     1,
		Ordinal:    ordinal,
		Text:       "text-" + id,
		Embedding:  emb,
		TokenCount: 40,
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.1, -2.5, 3.75, 0}
	out, err := DecodeVector(EncodeVector(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	s, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-9)

	s, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, s, 1e-9)

	s, err = CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, s, 1e-9)

	s, err = CosineSimilarity([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Zero(t, s)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestStagedCollectionInvisibleUntilActivate(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	chunks := []types.Chunk{chunk("c1", 1, []float32{1, 0})}
	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", chunks))

	hits, err := g.Search(ctx, []float32{1, 0}, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, hits, "staged chunks never surface")

	require.NoError(t, g.Activate(ctx, "fis", 10, "v1"))
	hits, err = g.Search(ctx, []float32{1, 0}, nil, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestSearchSurvivesVecExtensionFailure(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{chunk("c1", 1, []float32{1, 0})}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v1"))

	// Claim the extension is present in a build without it: the SQL path
	// errors and the in-process scan must still answer.
	g.vecExt = true
	hits, err := g.Search(ctx, []float32{1, 0}, nil, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestSearchOrderingAndTopK(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{
		chunk("far", 1, []float32{0, 1}),
		chunk("near", 2, []float32{1, 0.1}),
		chunk("exact", 3, []float32{1, 0}),
	}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v1"))

	hits, err := g.Search(ctx, []float32{1, 0}, nil, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "exact", hits[0].ChunkID)
	assert.Equal(t, "near", hits[1].ChunkID)
	assert.True(t, hits[0].Score >= hits[1].Score)
}

func TestSearchTieBrokenByOrdinal(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{
		chunk("later", 9, []float32{1, 0}),
		chunk("earlier", 2, []float32{1, 0}),
	}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v1"))

	hits, err := g.Search(ctx, []float32{1, 0}, nil, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "earlier", hits[0].ChunkID)
}

func TestSubjectFilterScopesSearch(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{chunk("f", 1, []float32{1, 0})}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v1"))
	require.NoError(t, g.Install(ctx, 2, "bio", 11, "v1", []types.Chunk{chunk("b", 1, []float32{1, 0})}))
	require.NoError(t, g.Activate(ctx, "bio", 11, "v1"))

	hits, err := g.Search(ctx, []float32{1, 0}, &SubjectFilter{SubjectCode: "bio", Grade: 11}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ChunkID)

	hits, err = g.Search(ctx, []float32{1, 0}, &SubjectFilter{SubjectCode: "kim", Grade: 12}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits, "no active collection for the filter")
}

func TestActivateSwapsAtomically(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{chunk("old", 1, []float32{1, 0})}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v1"))
	require.NoError(t, g.Install(ctx, 2, "fis", 10, "v2", []types.Chunk{chunk("new", 1, []float32{1, 0})}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v2"))

	hits, err := g.Search(ctx, []float32{1, 0}, nil, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new", hits[0].ChunkID, "only the newly active version serves")

	state, err := g.CollectionState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "grace", state, "prior version enters its grace window")
}

func TestActivateUnknownVersion(t *testing.T) {
	g := newTestGateway(t)
	err := g.Activate(context.Background(), "fis", 10, "ghost")
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)
}

func TestReinstallAfterCrashStartsClean(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	// First attempt wrote some chunks, then "crashed" before activation.
	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{chunk("half", 1, []float32{1, 0})}))
	// Re-run installs the full set.
	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{
		chunk("c1", 1, []float32{1, 0}),
		chunk("c2", 2, []float32{0, 1}),
	}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v1"))

	n, err := g.ChunkCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "no leftovers from the interrupted attempt")
}

func TestPruneExpiredRespectsGraceWindow(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{chunk("old", 1, []float32{1, 0})}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v1"))
	require.NoError(t, g.Install(ctx, 2, "fis", 10, "v2", []types.Chunk{chunk("new", 1, []float32{1, 0})}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v2"))

	// Inside the window: nothing goes.
	ids, err := g.PruneExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Past the window: the grace collection goes, the active one stays.
	ids, err = g.PruneExpired(ctx, time.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	_, err = g.CollectionState(ctx, 1)
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)
	state, err := g.CollectionState(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "active", state)
}

func TestDiscardStaged(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{chunk("c", 1, []float32{1, 0})}))
	require.NoError(t, g.DiscardStaged(ctx, 1))

	_, err := g.CollectionState(ctx, 1)
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)

	// Active collections are not discardable.
	require.NoError(t, g.Install(ctx, 2, "fis", 10, "v2", []types.Chunk{chunk("c", 1, []float32{1, 0})}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v2"))
	assert.ErrorIs(t, g.DiscardStaged(ctx, 2), edgeerr.ErrNotFound)
}

func TestChunksLoadsEmbeddings(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	emb := []float32{0.5, float32(math.Pi)}
	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{chunk("c", 1, emb)}))

	chunks, err := g.Chunks(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, emb, chunks[0].Embedding)
	assert.Equal(t, int64(1), chunks[0].VKPID)
}

func TestRestartRederivesActivePointers(t *testing.T) {
	path := t.TempDir() + "/chunks.db"
	g, err := New(path, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, g.Install(ctx, 1, "fis", 10, "v1", []types.Chunk{chunk("c", 1, []float32{1, 0})}))
	require.NoError(t, g.Activate(ctx, "fis", 10, "v1"))
	require.NoError(t, g.Close())

	g2, err := New(path, Options{})
	require.NoError(t, err)
	defer g2.Close()

	hits, err := g2.Search(ctx, []float32{1, 0}, nil, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1, "active pointer survives restart")
}
