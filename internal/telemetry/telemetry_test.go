package telemetry

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/orchestrator"
)

func TestQuantile(t *testing.T) {
	assert.Zero(t, quantile(nil, 0.5))
	assert.Equal(t, 7.0, quantile([]float64{7}, 0.99))

	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.InDelta(t, 5.5, quantile(samples, 0.50), 1e-9)
	assert.InDelta(t, 9.1, quantile(samples, 0.90), 1e-9)
	assert.Equal(t, 1.0, quantile(samples, 0))
	assert.Equal(t, 10.0, quantile(samples, 1))

	// Order of input must not matter.
	shuffled := []float64{9, 2, 7, 4, 1, 10, 3, 8, 5, 6}
	assert.InDelta(t, quantile(samples, 0.5), quantile(shuffled, 0.5), 1e-9)
}

func sample(subject string, grade int, outcome string, total time.Duration) orchestrator.QuestionSample {
	return orchestrator.QuestionSample{
		SubjectCode:      subject,
		Grade:            grade,
		TimeToFirstToken: total / 4,
		TotalLatency:     total,
		Confidence:       0.8,
		Outcome:          outcome,
	}
}

func TestFlushClosesOnlyPastHours(t *testing.T) {
	agg := NewAggregator("sman-1", nil)

	hour := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return hour.Add(10 * time.Minute) }
	agg.RecordQuestion(sample("fis", 10, "done", 2*time.Second))
	agg.RecordQuestion(sample("fis", 10, "failed", time.Second))

	// Still inside the hour: nothing closes.
	assert.Empty(t, agg.Flush())

	// Next hour: the bucket closes into one batch.
	agg.now = func() time.Time { return hour.Add(time.Hour + time.Minute) }
	batches := agg.Flush()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Buckets, 1)

	b := batches[0].Buckets[0]
	assert.Equal(t, hour, b.Hour)
	assert.Equal(t, "fis", b.SubjectCode)
	assert.Equal(t, 2, b.Questions)
	assert.Equal(t, 1, b.Done)
	assert.Equal(t, 1, b.Failed)
	assert.InDelta(t, 0.8, b.AvgConfidence, 1e-9)
	assert.Greater(t, b.TotalP50, 0.0)

	// A bucket reports once: the next flush carries no new batch.
	again := agg.Flush()
	require.Len(t, again, 1, "unacknowledged batch stays pending")
	assert.Equal(t, batches[0].ID, again[0].ID)
}

func TestAcknowledgeRemovesBatch(t *testing.T) {
	agg := NewAggregator("sman-1", nil)
	hour := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return hour }
	agg.RecordQuestion(sample("bio", 11, "done", time.Second))
	agg.now = func() time.Time { return hour.Add(2 * time.Hour) }

	batches := agg.Flush()
	require.Len(t, batches, 1)
	agg.Acknowledge(batches[0].ID)
	assert.Zero(t, agg.Pending())
	assert.Empty(t, agg.Flush())
}

func TestBatchIDsAreUnique(t *testing.T) {
	agg := NewAggregator("sman-1", nil)
	hour := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	agg.now = func() time.Time { return hour }
	agg.RecordQuestion(sample("fis", 10, "done", time.Second))
	agg.now = func() time.Time { return hour.Add(time.Hour) }
	first := agg.Flush()
	agg.RecordQuestion(sample("fis", 10, "done", time.Second))
	agg.now = func() time.Time { return hour.Add(2 * time.Hour) }
	second := agg.Flush()

	require.Len(t, second, 2)
	assert.NotEqual(t, first[0].ID, second[1].ID)
}

func TestRetentionDropsStaleBatches(t *testing.T) {
	agg := NewAggregator("sman-1", nil)
	hour := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	agg.now = func() time.Time { return hour }
	agg.RecordQuestion(sample("fis", 10, "done", time.Second))
	agg.now = func() time.Time { return hour.Add(2 * time.Hour) }
	require.Len(t, agg.Flush(), 1)

	// Eight days later, the never-uploaded batch is gone.
	agg.now = func() time.Time { return hour.Add(8 * 24 * time.Hour) }
	assert.Empty(t, agg.Flush())
}

func TestSanitizeKeepsOnlyAllowListedFields(t *testing.T) {
	agg := NewAggregator("sman-1", func() SystemReport {
		return SystemReport{ModelVersion: "gemma-2b-q4", StorageBytes: 1024}
	})
	hour := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return hour }
	agg.RecordQuestion(sample("fis", 10, "done", time.Second))
	agg.now = func() time.Time { return hour.Add(2 * time.Hour) }
	batches := agg.Flush()
	require.Len(t, batches, 1)

	payload, err := Sanitize(batches[0])
	require.NoError(t, err)

	buckets := payload["buckets"].([]any)
	fields := buckets[0].(map[string]any)
	for k := range fields {
		_, ok := allowedBucketFields[k]
		assert.True(t, ok, "field %q is not allow-listed", k)
	}
	sys := payload["system"].(map[string]any)
	assert.Equal(t, "gemma-2b-q4", sys["model_version"])
}

func TestSanitizeStripsUnknownFields(t *testing.T) {
	// A field smuggled into the wire map must not survive the guard.
	bucket := map[string]any{
		"subject_code": "fis",
		"questions":    float64(3),
		"question":     "Berapa nilai SECRET_TOKEN_ABC?",
		"response":     "SECRET_TOKEN_ABC",
	}
	filterFields(bucket, allowedBucketFields)

	raw, err := json.Marshal(bucket)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "SECRET_TOKEN_ABC"))
	assert.Contains(t, string(raw), "fis")
}

func TestUploadPayloadCarriesNoContent(t *testing.T) {
	agg := NewAggregator("sman-1", nil)
	hour := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return hour }
	agg.RecordQuestion(sample("fis", 10, "done", time.Second))
	agg.now = func() time.Time { return hour.Add(2 * time.Hour) }
	batches := agg.Flush()
	require.Len(t, batches, 1)

	payload, err := Sanitize(batches[0])
	require.NoError(t, err)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	// Shape only: counts, quantiles, identifiers.
	for _, banned := range []string{"question", "response", "answer", "text"} {
		assert.NotContains(t, string(raw), `"`+banned+`"`)
	}
}

func TestReservoirBoundsMemory(t *testing.T) {
	b := &bucket{}
	for i := 0; i < maxSamples*2; i++ {
		b.observe(sample("fis", 10, "done", time.Second))
	}
	assert.Equal(t, maxSamples, len(b.total))
	assert.Equal(t, maxSamples*2, b.questions)
}
