// Package telemetry aggregates usage into hourly buckets and uploads
// them to the district sink. The pipeline is privacy-scoped by
// construction: samples carry shape (subject, grade, latency, outcome),
// never question or answer content, and an allow-list guard strips any
// field that is not explicitly cleared for upload.
package telemetry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/orchestrator"
)

// retention bounds how long unuploaded data survives locally.
const retention = 7 * 24 * time.Hour

// BucketReport is the uploaded form of one closed hour for one
// (subject, grade). Every field name here must appear in the allow-list
// or the guard drops it.
type BucketReport struct {
	Hour          time.Time `json:"hour"`
	SubjectCode   string    `json:"subject_code"`
	Grade         int       `json:"grade"`
	Questions     int       `json:"questions"`
	Fallbacks     int       `json:"fallbacks"`
	Done          int       `json:"done"`
	Failed        int       `json:"failed"`
	Cancelled     int       `json:"cancelled"`
	Timeouts      int       `json:"timeouts"`
	AvgConfidence float64   `json:"avg_confidence"`

	// Latency quantiles in milliseconds.
	FirstTokenP50 float64 `json:"first_token_p50_ms"`
	FirstTokenP90 float64 `json:"first_token_p90_ms"`
	FirstTokenP99 float64 `json:"first_token_p99_ms"`
	TotalP50      float64 `json:"total_p50_ms"`
	TotalP90      float64 `json:"total_p90_ms"`
	TotalP99      float64 `json:"total_p99_ms"`
}

// SystemReport is the per-batch snapshot of daemon health.
type SystemReport struct {
	ModelVersion  string `json:"model_version"`
	StorageBytes  int64  `json:"storage_bytes"`
	PendingWrites int    `json:"pending_writes"`
	Degraded      bool   `json:"degraded"`
}

// Batch is one idempotent upload unit. The sink deduplicates on ID, so
// a retried batch never double-counts.
type Batch struct {
	ID          string         `json:"id"`
	SchoolID    string         `json:"school_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Buckets     []BucketReport `json:"buckets"`
	System      *SystemReport  `json:"system,omitempty"`
}

type bucketKey struct {
	hour    time.Time
	subject string
	grade   int
}

// bucket accumulates one open hour for one (subject, grade).
type bucket struct {
	questions  int
	fallbacks  int
	done       int
	failed     int
	cancelled  int
	timeouts   int
	confSum    float64
	firstToken []float64
	total      []float64
	seen       int // total samples offered, for reservoir replacement
}

func (b *bucket) observe(s orchestrator.QuestionSample) {
	b.questions++
	if s.Fallback {
		b.fallbacks++
	}
	switch s.Outcome {
	case "done":
		b.done++
	case "failed":
		b.failed++
	case "cancelled":
		b.cancelled++
	case "timeout":
		b.timeouts++
	}
	b.confSum += s.Confidence
	b.firstToken = reservoirAdd(b.firstToken, float64(s.TimeToFirstToken.Milliseconds()), b.seen)
	b.total = reservoirAdd(b.total, float64(s.TotalLatency.Milliseconds()), b.seen)
	b.seen++
}

func reservoirAdd(samples []float64, v float64, seen int) []float64 {
	if len(samples) < maxSamples {
		return append(samples, v)
	}
	if j := rand.Intn(seen + 1); j < maxSamples {
		samples[j] = v
	}
	return samples
}

// SystemProbe supplies the per-batch health snapshot at flush time.
type SystemProbe func() SystemReport

// Aggregator collects samples and closes hourly buckets into batches.
// It implements the orchestrator's Recorder.
type Aggregator struct {
	schoolID string
	probe    SystemProbe
	log      *zap.Logger

	mu      sync.Mutex
	open    map[bucketKey]*bucket
	pending []Batch // closed but not yet acknowledged by the sink

	now func() time.Time
}

// NewAggregator creates an empty aggregator for the given school id.
func NewAggregator(schoolID string, probe SystemProbe) *Aggregator {
	return &Aggregator{
		schoolID: schoolID,
		probe:    probe,
		log:      logging.Get("telemetry"),
		open:     make(map[bucketKey]*bucket),
		now:      time.Now,
	}
}

// RecordQuestion folds one answered question into its hourly bucket.
func (a *Aggregator) RecordQuestion(s orchestrator.QuestionSample) {
	key := bucketKey{
		hour:    a.now().UTC().Truncate(time.Hour),
		subject: s.SubjectCode,
		grade:   s.Grade,
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.open[key]
	if !ok {
		b = &bucket{}
		a.open[key] = b
	}
	b.observe(s)
}

// Flush closes every bucket from hours strictly before the current one
// into a new pending batch and returns all pending batches. The current
// hour stays open so a bucket is reported exactly once, complete.
func (a *Aggregator) Flush() []Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	currentHour := a.now().UTC().Truncate(time.Hour)
	var reports []BucketReport
	for key, b := range a.open {
		if !key.hour.Before(currentHour) {
			continue
		}
		reports = append(reports, closeBucket(key, b))
		delete(a.open, key)
	}

	if len(reports) > 0 {
		batch := Batch{
			ID:          uuid.NewString(),
			SchoolID:    a.schoolID,
			GeneratedAt: a.now().UTC(),
			Buckets:     reports,
		}
		if a.probe != nil {
			sys := a.probe()
			batch.System = &sys
		}
		a.pending = append(a.pending, batch)
	}

	a.dropExpiredLocked()
	out := make([]Batch, len(a.pending))
	copy(out, a.pending)
	return out
}

// Acknowledge removes a batch the sink accepted.
func (a *Aggregator) Acknowledge(batchID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, b := range a.pending {
		if b.ID == batchID {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return
		}
	}
}

// Pending reports the number of unacknowledged batches.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// dropExpiredLocked enforces local retention on unuploaded batches.
func (a *Aggregator) dropExpiredLocked() {
	cutoff := a.now().UTC().Add(-retention)
	kept := a.pending[:0]
	for _, b := range a.pending {
		if b.GeneratedAt.After(cutoff) {
			kept = append(kept, b)
		} else {
			a.log.Warn("telemetry batch expired before upload", zap.String("batch_id", b.ID))
		}
	}
	a.pending = kept
}

func closeBucket(key bucketKey, b *bucket) BucketReport {
	r := BucketReport{
		Hour:          key.hour,
		SubjectCode:   key.subject,
		Grade:         key.grade,
		Questions:     b.questions,
		Fallbacks:     b.fallbacks,
		Done:          b.done,
		Failed:        b.failed,
		Cancelled:     b.cancelled,
		Timeouts:      b.timeouts,
		FirstTokenP50: quantile(b.firstToken, 0.50),
		FirstTokenP90: quantile(b.firstToken, 0.90),
		FirstTokenP99: quantile(b.firstToken, 0.99),
		TotalP50:      quantile(b.total, 0.50),
		TotalP90:      quantile(b.total, 0.90),
		TotalP99:      quantile(b.total, 0.99),
	}
	if b.questions > 0 {
		r.AvgConfidence = b.confSum / float64(b.questions)
	}
	return r
}
