package vkp

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/metastore"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/vectorstore"
)

// Manager drives the package lifecycle. Installations for different
// (subject, grade) slots run concurrently; operations on the same slot
// serialize, so a poll-triggered install never races a teacher's manual
// rollback of the same subject.
type Manager struct {
	meta    *metastore.Store
	vectors *vectorstore.Gateway
	client  *Client
	log     *zap.Logger

	locks *keyedLocks

	// PollInterval is the catalog poll cadence; PruneInterval the
	// grace-window sweep cadence.
	PollInterval  time.Duration
	PruneInterval time.Duration
}

// NewManager wires the lifecycle manager.
func NewManager(meta *metastore.Store, vectors *vectorstore.Gateway, client *Client) *Manager {
	return &Manager{
		meta:          meta,
		vectors:       vectors,
		client:        client,
		log:           logging.Get("vkp"),
		locks:         newKeyedLocks(),
		PollInterval:  time.Hour,
		PruneInterval: 24 * time.Hour,
	}
}

// Install downloads, verifies, stages, and activates one package
// version. The ordering is crash-safe: the staged collection becomes
// searchable through the vector-store activation swap first, and the
// metadata active pointer flips last as the commit. A crash anywhere
// before the commit leaves the previous version serving, and the next
// Install or Poll of the same version finishes the job.
func (m *Manager) Install(ctx context.Context, manifest Manifest) (err error) {
	if verr := manifest.Validate(); verr != nil {
		return edgeerr.Wrap(edgeerr.KindIntegrityFailure, verr)
	}

	unlock := m.locks.lock(manifest.Key())
	defer unlock()

	defer func() {
		result := "ok"
		if err != nil {
			result = string(edgeerr.KindOf(err))
		}
		metrics.VKPInstallsTotal.WithLabelValues(result).Inc()
	}()

	prev, err := m.meta.ActiveVKP(ctx, manifest.SubjectCode, manifest.Grade)
	if err != nil && !errors.Is(err, edgeerr.ErrNotFound) {
		return err
	}
	if prev != nil && prev.Version == manifest.Version {
		// Trust the metadata claim only when the vector store serves the
		// same version; disagreement means a crashed install to finish.
		if state, serr := m.vectors.CollectionState(ctx, prev.ID); serr == nil && state == "active" {
			m.log.Debug("version already active",
				zap.String("package", manifest.Key()), zap.String("version", manifest.Version))
			return nil
		}
	}

	data, err := m.client.FetchArtifact(ctx, manifest)
	if err != nil {
		return err
	}

	// Metadata rows first, without moving the active pointer: the chunks
	// reference the book row ids the record creates.
	rec := metastore.InstallRecord{
		SubjectCode: manifest.SubjectCode,
		SubjectName: manifest.SubjectName,
		Grade:       manifest.Grade,
		Version:     manifest.Version,
		Hash:        manifest.Hash,
		ChunkCount:  manifest.ChunkCount,
		Books: lo.Map(manifest.Books, func(b BookInfo, _ int) types.Book {
			return types.Book{Title: b.Title, SourceFilename: b.SourceFilename, ChunkCount: b.ChunkCount}
		}),
	}
	vkpID, err := m.meta.RecordInstall(ctx, rec)
	if err != nil {
		return err
	}

	// A crash after collection activation left the chunks serving with
	// the metadata pointer behind; finish the commit without reinstalling
	// over a live collection.
	if state, serr := m.vectors.CollectionState(ctx, vkpID); serr == nil && state == "active" {
		return m.meta.SetActiveVKP(ctx, manifest.SubjectCode, manifest.Grade, manifest.Version)
	}

	chunks, err := m.decodeArtifact(ctx, manifest, data, prev)
	if err != nil {
		m.discardFailed(ctx, vkpID)
		return err
	}

	if err := m.vectors.Install(ctx, vkpID, manifest.SubjectCode, manifest.Grade, manifest.Version, chunks); err != nil {
		m.discardFailed(ctx, vkpID)
		return err
	}
	if err := m.vectors.Activate(ctx, manifest.SubjectCode, manifest.Grade, manifest.Version); err != nil {
		m.discardFailed(ctx, vkpID)
		return err
	}

	// The metadata pointer flip is the commit point.
	if err := m.meta.SetActiveVKP(ctx, manifest.SubjectCode, manifest.Grade, manifest.Version); err != nil {
		return err
	}

	m.log.Info("package installed",
		zap.String("package", manifest.Key()),
		zap.String("version", manifest.Version),
		zap.Int("chunks", len(chunks)))
	return nil
}

// decodeArtifact resolves book ids and expands either artifact form.
func (m *Manager) decodeArtifact(ctx context.Context, manifest Manifest, data []byte, prev *types.VKPRecord) ([]types.Chunk, error) {
	bookIDs, err := m.resolveBookIDs(ctx, manifest)
	if err != nil {
		return nil, err
	}

	if manifest.Delta == nil {
		return decodeFull(manifest, data, bookIDs)
	}

	if prev == nil || prev.Version != manifest.Delta.BaseVersion {
		return nil, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, nil,
			"delta requires base %s which is not installed", manifest.Delta.BaseVersion)
	}
	base, err := m.vectors.Chunks(ctx, prev.ID)
	if err != nil {
		return nil, err
	}
	return applyDelta(manifest, data, base, bookIDs)
}

// resolveBookIDs maps the manifest's book list, by position, to the
// metadata store's book row ids.
func (m *Manager) resolveBookIDs(ctx context.Context, manifest Manifest) ([]int64, error) {
	subj, err := m.meta.GetSubject(ctx, manifest.SubjectCode, manifest.Grade)
	if err != nil {
		return nil, err
	}
	books, err := m.meta.ListBooks(ctx, subj.ID)
	if err != nil {
		return nil, err
	}
	byFile := lo.SliceToMap(books, func(b types.Book) (string, int64) { return b.SourceFilename, b.ID })

	ids := make([]int64, len(manifest.Books))
	for i, b := range manifest.Books {
		id, ok := byFile[b.SourceFilename]
		if !ok {
			return nil, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, nil,
				"book %q missing from metadata after install", b.SourceFilename)
		}
		ids[i] = id
	}
	return ids, nil
}

// discardFailed removes the staged collection and the inactive metadata
// row a failed install left behind. The active pointer never moved, so
// there is nothing to roll back.
func (m *Manager) discardFailed(ctx context.Context, vkpID int64) {
	if err := m.vectors.DiscardStaged(ctx, vkpID); err != nil && !errors.Is(err, edgeerr.ErrNotFound) {
		m.log.Warn("could not discard staged collection",
			zap.Int64("vkp_id", vkpID), zap.Error(err))
	}
	if err := m.meta.DeleteVKP(ctx, vkpID); err != nil && !errors.Is(err, edgeerr.ErrNotFound) {
		m.log.Warn("could not remove failed install record",
			zap.Int64("vkp_id", vkpID), zap.Error(err))
	}
}

// Rollback re-activates a previous version still inside its grace
// window. Both stores flip in the same order as an install, vectors
// before the metadata commit, so a crash in between re-derives a
// consistent state on the next poll.
func (m *Manager) Rollback(ctx context.Context, subjectCode string, grade int, version string) error {
	unlock := m.locks.lock(Manifest{SubjectCode: subjectCode, Grade: grade}.Key())
	defer unlock()

	installs, err := m.meta.ListVKPs(ctx, subjectCode, grade)
	if err != nil {
		return err
	}
	target, ok := lo.Find(installs, func(r types.VKPRecord) bool { return r.Version == version })
	if !ok {
		return edgeerr.Wrapf(edgeerr.KindNotFound, nil,
			"version %s of %s/%d is not installed", version, subjectCode, grade)
	}
	state, err := m.vectors.CollectionState(ctx, target.ID)
	if err != nil {
		return err
	}
	if state != "grace" && state != "active" {
		return edgeerr.Wrapf(edgeerr.KindNotFound, nil,
			"version %s left the rollback window", version)
	}

	if err := m.vectors.Activate(ctx, subjectCode, grade, version); err != nil {
		return err
	}
	if err := m.meta.SetActiveVKP(ctx, subjectCode, grade, version); err != nil {
		return err
	}
	m.log.Info("rolled back",
		zap.String("subject", subjectCode), zap.Int("grade", grade), zap.String("version", version))
	return nil
}

// Poll fetches the catalog once and installs every package newer than
// the locally active version. Fetch failures are logged and skipped;
// the next tick retries.
func (m *Manager) Poll(ctx context.Context) {
	cat, err := m.client.FetchCatalog(ctx)
	if err != nil {
		m.log.Debug("catalog unreachable", zap.Error(err))
		return
	}
	for _, manifest := range cat.Packages {
		active, err := m.meta.ActiveVKP(ctx, manifest.SubjectCode, manifest.Grade)
		if err != nil && !errors.Is(err, edgeerr.ErrNotFound) {
			m.log.Warn("active version lookup failed", zap.String("package", manifest.Key()), zap.Error(err))
			continue
		}
		if active != nil && active.Version == manifest.Version {
			// Skip only when both stores agree; a crashed install left
			// them split and Install knows how to finish it.
			if state, serr := m.vectors.CollectionState(ctx, active.ID); serr == nil && state == "active" {
				continue
			}
		}
		if err := m.Install(ctx, manifest); err != nil {
			m.log.Warn("install failed",
				zap.String("package", manifest.Key()),
				zap.String("version", manifest.Version),
				zap.Error(err))
		}
	}
}

// Prune removes collections whose grace window expired, together with
// their inactive metadata rows.
func (m *Manager) Prune(ctx context.Context) {
	ids, err := m.vectors.PruneExpired(ctx, time.Now())
	if err != nil {
		m.log.Warn("prune failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := m.meta.DeleteVKP(ctx, id); err != nil && !errors.Is(err, edgeerr.ErrNotFound) {
			m.log.Warn("prune metadata cleanup failed", zap.Int64("vkp_id", id), zap.Error(err))
		}
	}
}

// Run drives the poll and prune cadences until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	poll := time.NewTicker(m.PollInterval)
	prune := time.NewTicker(m.PruneInterval)
	defer poll.Stop()
	defer prune.Stop()

	// One poll shortly after boot so a school that was offline during
	// the scheduled window still catches up.
	m.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			m.Poll(ctx)
		case <-prune.C:
			m.Prune(ctx)
		}
	}
}
