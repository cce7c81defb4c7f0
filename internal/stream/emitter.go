package stream

import (
	"sync"
	"time"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
)

// flushInterval bounds how long a token may sit in the coalescing buffer.
const flushInterval = 100 * time.Millisecond

// Emitter serializes one request's events onto a Sink while enforcing the
// framing contract. It is safe for use by one producer goroutine plus the
// internal flusher. Tokens are coalesced into at most one frame per flush
// interval so slow decoders do not produce a frame per character while
// fast ones never stall the UI beyond 100ms.
type Emitter struct {
	mu sync.Mutex

	sink Sink

	pending    []byte // coalesced token text awaiting flush
	typingSent bool
	sourcesSet bool
	terminated bool

	flushTimer *time.Timer
}

// NewEmitter wraps a sink.
func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

// Position reports the queue position. Only valid before tokens start;
// calls after the first token or terminal are dropped.
func (em *Emitter) Position(pos int) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.terminated || em.typingSent {
		return
	}
	_ = em.sink.Send(Event{Kind: KindPosition, Position: pos})
}

// Token appends one fragment. The first token implicitly emits
// typing=true.
func (em *Emitter) Token(text string) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.terminated {
		return
	}
	em.ensureTypingLocked()
	em.pending = append(em.pending, text...)
	if em.flushTimer == nil {
		em.flushTimer = time.AfterFunc(flushInterval, em.flushDeferred)
	}
}

// StartTyping emits typing=true early, before the first token is decoded,
// so the UI shows activity during prompt processing.
func (em *Emitter) StartTyping() {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.terminated {
		return
	}
	em.ensureTypingLocked()
}

func (em *Emitter) ensureTypingLocked() {
	if !em.typingSent {
		em.typingSent = true
		_ = em.sink.Send(Event{Kind: KindTyping, Typing: true})
	}
}

func (em *Emitter) flushDeferred() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.flushLocked()
}

func (em *Emitter) flushLocked() {
	if em.flushTimer != nil {
		em.flushTimer.Stop()
		em.flushTimer = nil
	}
	if len(em.pending) == 0 {
		return
	}
	text := string(em.pending)
	em.pending = em.pending[:0]
	_ = em.sink.Send(Event{Kind: KindToken, Token: text})
}

// Sources cites the retrieved chunks. At most one sources frame is sent;
// repeated calls are dropped. Pending tokens flush first so sources
// follows every token frame.
func (em *Emitter) Sources(refs []SourceRef) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.terminated || em.sourcesSet || len(refs) == 0 {
		return
	}
	em.flushLocked()
	em.sourcesSet = true
	_ = em.sink.Send(Event{Kind: KindSources, Sources: refs})
}

// Done terminates the stream normally.
func (em *Emitter) Done() {
	em.terminate(Event{Kind: KindDone})
}

// Error terminates the stream with an error frame. The message must be
// content-free.
func (em *Emitter) Error(kind edgeerr.Kind, message string) {
	em.terminate(Event{Kind: KindError, Error: &ErrorInfo{Kind: kind, Message: message}})
}

// Cancelled terminates the stream after a cooperative cancel.
func (em *Emitter) Cancelled() {
	em.terminate(Event{Kind: KindCancelled})
}

func (em *Emitter) terminate(ev Event) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.terminated {
		return
	}
	em.flushLocked()
	// typing=false closes the typing span exactly once before the
	// terminal frame.
	if em.typingSent {
		_ = em.sink.Send(Event{Kind: KindTyping, Typing: false})
	}
	em.terminated = true
	_ = em.sink.Send(ev)
}

// Terminated reports whether a terminal frame was sent.
func (em *Emitter) Terminated() bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.terminated
}
