package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
)

// allowedBucketFields is the closed set of keys a bucket report may
// carry over the wire. Sanitize drops anything else, so a field added
// to BucketReport without a deliberate allow-list entry never leaves
// the school.
var allowedBucketFields = map[string]struct{}{
	"hour": {}, "subject_code": {}, "grade": {},
	"questions": {}, "fallbacks": {},
	"done": {}, "failed": {}, "cancelled": {}, "timeouts": {},
	"avg_confidence": {},
	"first_token_p50_ms": {}, "first_token_p90_ms": {}, "first_token_p99_ms": {},
	"total_p50_ms": {}, "total_p90_ms": {}, "total_p99_ms": {},
}

var allowedSystemFields = map[string]struct{}{
	"model_version": {}, "storage_bytes": {}, "pending_writes": {}, "degraded": {},
}

// Sanitize re-encodes a batch keeping only allow-listed fields. The
// result is the exact payload Upload sends.
func Sanitize(b Batch) (map[string]any, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}

	if buckets, ok := m["buckets"].([]any); ok {
		for _, bv := range buckets {
			filterFields(bv, allowedBucketFields)
		}
	}
	if sys, ok := m["system"]; ok {
		filterFields(sys, allowedSystemFields)
	}
	return m, nil
}

func filterFields(v any, allowed map[string]struct{}) {
	fields, ok := v.(map[string]any)
	if !ok {
		return
	}
	for k := range fields {
		if _, ok := allowed[k]; !ok {
			delete(fields, k)
		}
	}
}

// Uploader flushes the aggregator to the district sink on a fixed
// cadence. The sink deduplicates on batch id, so upload is at-least-
// once and the pipeline stays idempotent end to end.
type Uploader struct {
	agg     *Aggregator
	sinkURL string
	http    *http.Client
	log     *zap.Logger

	Interval time.Duration
}

// NewUploader wires an uploader; an empty sinkURL disables uploads
// while aggregation (and retention-bounded buffering) continues.
func NewUploader(agg *Aggregator, sinkURL string) *Uploader {
	return &Uploader{
		agg:      agg,
		sinkURL:  sinkURL,
		http:     &http.Client{Timeout: 2 * time.Minute},
		log:      logging.Get("telemetry.upload"),
		Interval: time.Hour,
	}
}

// Run flushes on the configured cadence until ctx is cancelled, with a
// final flush attempt on the way out.
func (u *Uploader) Run(ctx context.Context) {
	tick := time.NewTicker(u.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			u.FlushNow(flushCtx)
			cancel()
			return
		case <-tick.C:
			u.FlushNow(ctx)
		}
	}
}

// FlushNow closes finished buckets and attempts to upload every pending
// batch. Failures leave batches pending for the next cycle.
func (u *Uploader) FlushNow(ctx context.Context) {
	batches := u.agg.Flush()
	if u.sinkURL == "" {
		return
	}
	for _, b := range batches {
		if err := u.upload(ctx, b); err != nil {
			u.log.Debug("telemetry sink unreachable",
				zap.String("batch_id", b.ID), zap.Error(err))
			continue
		}
		u.agg.Acknowledge(b.ID)
	}
}

func (u *Uploader) upload(ctx context.Context, b Batch) error {
	payload, err := Sanitize(b)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.sinkURL, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", b.ID)
			resp, err := u.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusConflict {
				// The sink has this batch already.
				return nil
			}
			if resp.StatusCode >= 300 {
				return fmt.Errorf("sink returned status %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
}
