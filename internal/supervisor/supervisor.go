// Package supervisor watches the daemon's health and keeps its data
// recoverable: periodic subsystem probes feed the /health report,
// scheduled snapshots land in the backup directory, and startup replays
// any spilled writes before the daemon takes traffic.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/dispatcher"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/inference"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/metastore"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/vectorstore"
)

// Status grades one subsystem.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check is one subsystem's latest probe result.
type Check struct {
	Status  Status `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the aggregate health served at /health.
type Report struct {
	Status     Status           `json:"status"`
	Checks     map[string]Check `json:"checks"`
	QueueDepth int              `json:"queue_depth"`
	Active     int              `json:"active"`
	ProbedAt   time.Time        `json:"probed_at"`
}

// Options wires the supervisor.
type Options struct {
	Meta       *metastore.Store
	Vectors    *vectorstore.Gateway
	Engine     inference.Engine
	Dispatcher *dispatcher.Dispatcher

	BackupDir string
	// ProbeInterval defaults to 30s.
	ProbeInterval time.Duration
	// SnapshotInterval defaults to 24h; SnapshotKeep bounds retained
	// snapshots per database.
	SnapshotInterval time.Duration
	SnapshotKeep     int
	// QueueAlertDepth marks the dispatcher degraded past this depth.
	QueueAlertDepth int
}

func (o *Options) withDefaults() {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 30 * time.Second
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = 24 * time.Hour
	}
	if o.SnapshotKeep <= 0 {
		o.SnapshotKeep = 7
	}
	if o.QueueAlertDepth <= 0 {
		o.QueueAlertDepth = 100
	}
}

// Supervisor runs the probes and snapshot schedule.
type Supervisor struct {
	opts Options
	log  *zap.Logger

	mu     sync.RWMutex
	report Report
}

// New wires a supervisor.
func New(opts Options) *Supervisor {
	opts.withDefaults()
	return &Supervisor{
		opts: opts,
		log:  logging.Get("supervisor"),
		report: Report{
			Status: StatusDown,
			Checks: map[string]Check{},
		},
	}
}

// Bootstrap prepares the daemon for traffic: spilled writes from the
// previous run replay into the store before any new request can race
// them.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	if n := s.opts.Meta.PendingWrites(); n > 0 {
		s.log.Info("replaying spilled writes", zap.Int("pending", n))
		if err := s.opts.Meta.ReplaySpill(ctx); err != nil {
			return fmt.Errorf("replay spill: %w", err)
		}
	}
	if err := os.MkdirAll(s.opts.BackupDir, 0o755); err != nil {
		return fmt.Errorf("backup dir: %w", err)
	}
	s.Probe(ctx)
	return nil
}

// Run drives probes and snapshots until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	probe := time.NewTicker(s.opts.ProbeInterval)
	snap := time.NewTicker(s.opts.SnapshotInterval)
	defer probe.Stop()
	defer snap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			s.Probe(ctx)
		case <-snap.C:
			s.Snapshot(ctx)
		}
	}
}

// Report returns the latest aggregate health.
func (s *Supervisor) Report() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// Probe runs every subsystem check once and aggregates the result. The
// aggregate is the worst individual status.
func (s *Supervisor) Probe(ctx context.Context) Report {
	checks := map[string]Check{
		"metastore":   s.probeMeta(ctx),
		"vectorstore": s.probeVectors(ctx),
		"model":       s.probeEngine(),
		"dispatcher":  s.probeDispatcher(),
	}

	agg := StatusOK
	for name, c := range checks {
		if c.Status != StatusOK {
			metrics.HealthProbeFailures.WithLabelValues(name).Inc()
		}
		if worse(c.Status, agg) {
			agg = c.Status
		}
	}

	stats := s.opts.Dispatcher.Stats()
	report := Report{
		Status:     agg,
		Checks:     checks,
		QueueDepth: stats.Depth,
		Active:     stats.Active,
		ProbedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	prev := s.report.Status
	s.report = report
	s.mu.Unlock()

	if prev != report.Status {
		s.log.Info("health changed",
			zap.String("from", string(prev)), zap.String("to", string(report.Status)))
	}
	return report
}

func (s *Supervisor) probeMeta(ctx context.Context) Check {
	start := time.Now()
	if err := s.opts.Meta.Ping(ctx); err != nil {
		return Check{Status: StatusDown, Detail: "unreachable"}
	}
	c := Check{Status: StatusOK, Latency: time.Since(start).Round(time.Millisecond).String()}
	if s.opts.Meta.Degraded() {
		c.Status = StatusDegraded
		c.Detail = fmt.Sprintf("%d spilled writes pending", s.opts.Meta.PendingWrites())
	}
	return c
}

func (s *Supervisor) probeVectors(ctx context.Context) Check {
	start := time.Now()
	if err := s.opts.Vectors.Ping(ctx); err != nil {
		return Check{Status: StatusDown, Detail: "unreachable"}
	}
	return Check{Status: StatusOK, Latency: time.Since(start).Round(time.Millisecond).String()}
}

func (s *Supervisor) probeEngine() Check {
	if !s.opts.Engine.Loaded() {
		return Check{Status: StatusDown, Detail: "no model loaded"}
	}
	return Check{Status: StatusOK, Detail: s.opts.Engine.Version()}
}

func (s *Supervisor) probeDispatcher() Check {
	stats := s.opts.Dispatcher.Stats()
	if stats.Depth >= s.opts.QueueAlertDepth {
		return Check{Status: StatusDegraded,
			Detail: fmt.Sprintf("queue depth %d", stats.Depth)}
	}
	return Check{Status: StatusOK}
}

func worse(a, b Status) bool {
	rank := map[Status]int{StatusOK: 0, StatusDegraded: 1, StatusDown: 2}
	return rank[a] > rank[b]
}

// Snapshot copies both databases into the backup directory and trims
// old snapshots past the retention count.
func (s *Supervisor) Snapshot(ctx context.Context) {
	stamp := time.Now().UTC().Format("20060102-150405")

	metaDest := filepath.Join(s.opts.BackupDir, fmt.Sprintf("edge-%s.db", stamp))
	if err := s.opts.Meta.Snapshot(ctx, metaDest); err != nil {
		s.log.Warn("metadata snapshot failed", zap.Error(err))
	} else {
		s.log.Info("metadata snapshot written", zap.String("path", metaDest))
	}

	vecDest := filepath.Join(s.opts.BackupDir, fmt.Sprintf("chunks-%s.db", stamp))
	if err := s.opts.Vectors.Snapshot(ctx, vecDest); err != nil {
		s.log.Warn("vector snapshot failed", zap.Error(err))
	} else {
		s.log.Info("vector snapshot written", zap.String("path", vecDest))
	}

	s.trimSnapshots("edge-")
	s.trimSnapshots("chunks-")
}

// trimSnapshots keeps the newest SnapshotKeep files for one prefix.
func (s *Supervisor) trimSnapshots(prefix string) {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for len(names) > s.opts.SnapshotKeep {
		victim := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(s.opts.BackupDir, victim)); err != nil {
			s.log.Warn("snapshot trim failed", zap.String("file", victim), zap.Error(err))
		}
	}
}
