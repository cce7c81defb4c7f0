// Package vkp manages the lifecycle of versioned knowledge packages:
// discovery against the district catalog, integrity-checked download,
// staged installation into the vector store, atomic activation, rollback
// within the grace window, and pruning of expired versions.
package vkp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

// Manifest describes one published package version.
type Manifest struct {
	SubjectCode string     `json:"subject_code"`
	SubjectName string     `json:"subject_name"`
	Grade       int        `json:"grade"`
	Version     string     `json:"version"`
	// Hash is the hex sha256 of the artifact bytes.
	Hash        string     `json:"hash"`
	ChunkCount  int        `json:"chunk_count"`
	ArtifactURL string     `json:"artifact_url"`
	Books       []BookInfo `json:"books"`
	// EmbeddingModel names the model the chunk vectors were computed
	// with; a mismatch with the local embedder makes search garbage.
	EmbeddingModel string `json:"embedding_model"`
	Dimensions     int    `json:"dimensions"`
	// Delta, when set, marks the artifact as a patch against BaseVersion
	// instead of a full chunk set.
	Delta *DeltaInfo `json:"delta,omitempty"`
}

// BookInfo is one source book inside a package.
type BookInfo struct {
	Title          string `json:"title"`
	SourceFilename string `json:"source_filename"`
	ChunkCount     int    `json:"chunk_count"`
}

// DeltaInfo marks a delta artifact.
type DeltaInfo struct {
	BaseVersion string `json:"base_version"`
}

// Key identifies the manifest's (subject, grade) slot.
func (m Manifest) Key() string { return fmt.Sprintf("%s/%d", m.SubjectCode, m.Grade) }

// Validate rejects manifests the installer cannot act on.
func (m Manifest) Validate() error {
	switch {
	case m.SubjectCode == "":
		return fmt.Errorf("manifest missing subject_code")
	case m.Grade < 10 || m.Grade > 12:
		return fmt.Errorf("manifest grade %d out of range", m.Grade)
	case m.Version == "":
		return fmt.Errorf("manifest missing version")
	case len(m.Hash) != sha256.Size*2:
		return fmt.Errorf("manifest hash is not a sha256 hex digest")
	case m.ChunkCount <= 0:
		return fmt.Errorf("manifest chunk_count must be positive")
	}
	return nil
}

// Catalog is the district server's published package list.
type Catalog struct {
	Packages []Manifest `json:"packages"`
}

// artifactChunk is the wire form of one chunk. Chunks reference their
// book by index into the manifest's book list.
type artifactChunk struct {
	ID         string    `json:"id"`
	BookIndex  int       `json:"book_index"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding"`
	TokenCount int       `json:"token_count"`
}

// fullArtifact is a complete chunk set.
type fullArtifact struct {
	Chunks []artifactChunk `json:"chunks"`
}

// deltaArtifact patches a base version: removals by chunk id, then
// additions (an add with an existing id is a replacement).
type deltaArtifact struct {
	BaseVersion string          `json:"base_version"`
	Removes     []string        `json:"removes"`
	Adds        []artifactChunk `json:"adds"`
}

// VerifyIntegrity checks the artifact bytes against the manifest hash.
func VerifyIntegrity(m Manifest, data []byte) error {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != m.Hash {
		return edgeerr.Wrapf(edgeerr.KindIntegrityFailure, nil,
			"artifact for %s %s does not match its manifest hash", m.Key(), m.Version)
	}
	return nil
}

// decodeFull parses a full artifact into chunks, resolving book indexes
// through bookIDs (wire book index -> metadata store book id).
func decodeFull(m Manifest, data []byte, bookIDs []int64) ([]types.Chunk, error) {
	var art fullArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, err, "malformed artifact for %s", m.Key())
	}
	if len(art.Chunks) != m.ChunkCount {
		return nil, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, nil,
			"artifact carries %d chunks, manifest declares %d", len(art.Chunks), m.ChunkCount)
	}
	out := make([]types.Chunk, 0, len(art.Chunks))
	for _, c := range art.Chunks {
		chunk, err := resolveChunk(c, bookIDs)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
	return out, nil
}

func resolveChunk(c artifactChunk, bookIDs []int64) (types.Chunk, error) {
	if c.BookIndex < 0 || c.BookIndex >= len(bookIDs) {
		return types.Chunk{}, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, nil,
			"chunk %s references unknown book index %d", c.ID, c.BookIndex)
	}
	if len(c.Embedding) == 0 {
		return types.Chunk{}, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, nil,
			"chunk %s has no embedding", c.ID)
	}
	return types.Chunk{
		ID:         c.ID,
		BookID:     bookIDs[c.BookIndex],
		Ordinal:    c.Ordinal,
		Text:       c.Text,
		Embedding:  c.Embedding,
		TokenCount: c.TokenCount,
	}, nil
}

// applyDelta rebuilds the full chunk set from the installed base plus
// the patch. The result must land exactly on the manifest's declared
// chunk count or the patch is rejected.
func applyDelta(m Manifest, data []byte, base []types.Chunk, bookIDs []int64) ([]types.Chunk, error) {
	var patch deltaArtifact
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, err, "malformed delta for %s", m.Key())
	}
	if m.Delta == nil || patch.BaseVersion != m.Delta.BaseVersion {
		return nil, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, nil,
			"delta base version mismatch for %s", m.Key())
	}

	merged := make(map[string]types.Chunk, len(base))
	for _, c := range base {
		merged[c.ID] = c
	}
	for _, id := range patch.Removes {
		delete(merged, id)
	}
	for _, a := range patch.Adds {
		chunk, err := resolveChunk(a, bookIDs)
		if err != nil {
			return nil, err
		}
		merged[chunk.ID] = chunk
	}

	if len(merged) != m.ChunkCount {
		return nil, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, nil,
			"delta result carries %d chunks, manifest declares %d", len(merged), m.ChunkCount)
	}
	out := make([]types.Chunk, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	return out, nil
}
