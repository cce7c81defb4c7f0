package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
)

// recorder captures every frame in order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Send(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestFramingContractHappyPath(t *testing.T) {
	rec := &recorder{}
	em := NewEmitter(rec)

	em.Position(3)
	em.Position(1)
	em.Token("Hallo")
	em.Sources([]SourceRef{{Book: "Fisika X", Ordinal: 4, Score: 0.91}})
	em.Done()

	kinds := rec.kinds()
	require.Equal(t, []EventKind{
		KindPosition, KindPosition, KindTyping, KindToken, KindSources, KindTyping, KindDone,
	}, kinds)

	events := rec.snapshot()
	assert.True(t, events[2].Typing, "typing opens before first token")
	assert.False(t, events[5].Typing, "typing closes before terminal")
	assert.Equal(t, "Hallo", events[3].Token)
}

func TestExactlyOneTerminal(t *testing.T) {
	rec := &recorder{}
	em := NewEmitter(rec)

	em.Token("x")
	em.Done()
	em.Error(edgeerr.KindTimeout, "late")
	em.Cancelled()
	em.Done()

	terminals := 0
	for _, e := range rec.snapshot() {
		if e.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, em.Terminated())
}

func TestSourcesAtMostOnce(t *testing.T) {
	rec := &recorder{}
	em := NewEmitter(rec)

	em.Token("x")
	em.Sources([]SourceRef{{Book: "a"}})
	em.Sources([]SourceRef{{Book: "b"}})
	em.Done()

	count := 0
	for _, e := range rec.snapshot() {
		if e.Kind == KindSources {
			count++
			assert.Equal(t, "a", e.Sources[0].Book)
		}
	}
	assert.Equal(t, 1, count)
}

func TestPositionDroppedAfterTyping(t *testing.T) {
	rec := &recorder{}
	em := NewEmitter(rec)

	em.Token("x")
	em.Position(2)
	em.Done()

	for _, e := range rec.snapshot() {
		assert.NotEqual(t, KindPosition, e.Kind)
	}
}

func TestTokensCoalesceWithinFlushInterval(t *testing.T) {
	rec := &recorder{}
	em := NewEmitter(rec)

	em.Token("Hal")
	em.Token("lo ")
	em.Token("dunia")
	time.Sleep(flushInterval + 50*time.Millisecond)

	var tokens []string
	for _, e := range rec.snapshot() {
		if e.Kind == KindToken {
			tokens = append(tokens, e.Token)
		}
	}
	require.Len(t, tokens, 1, "rapid tokens coalesce into one frame")
	assert.Equal(t, "Hallo dunia", tokens[0])
	em.Done()
}

func TestTerminalFlushesPendingTokens(t *testing.T) {
	rec := &recorder{}
	em := NewEmitter(rec)

	em.Token("partial")
	em.Error(edgeerr.KindOutOfMemory, "decode failed")

	kinds := rec.kinds()
	require.Equal(t, []EventKind{KindTyping, KindToken, KindTyping, KindError}, kinds)
	events := rec.snapshot()
	assert.Equal(t, "partial", events[1].Token)
	assert.Equal(t, edgeerr.KindOutOfMemory, events[3].Error.Kind)
}

func TestErrorWithoutTokensSkipsTypingClose(t *testing.T) {
	rec := &recorder{}
	em := NewEmitter(rec)

	em.Error(edgeerr.KindQueueFull, "full")
	require.Equal(t, []EventKind{KindError}, rec.kinds(),
		"typing never opened, so it never closes")
}

func TestTypingOnBoundaryZeroTokens(t *testing.T) {
	rec := &recorder{}
	em := NewEmitter(rec)

	em.StartTyping()
	em.Done()

	require.Equal(t, []EventKind{KindTyping, KindTyping, KindDone}, rec.kinds())
}
