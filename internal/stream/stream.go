// Package stream frames token sequences and control events into the
// server-pushed channel browser clients consume. The framing contract:
//
//   - position events precede all others and may repeat while queued
//   - typing=true fires exactly once before the first token,
//     typing=false exactly once before the terminal event
//   - sources fires at most once, after all tokens, before the terminal
//   - exactly one of done | error | cancelled terminates the stream;
//     nothing follows it
//   - no token is withheld longer than 100ms while tokens are flowing
package stream

import (
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
)

// EventKind enumerates the frame types.
type EventKind string

const (
	KindPosition  EventKind = "position"
	KindTyping    EventKind = "typing"
	KindToken     EventKind = "token"
	KindSources   EventKind = "sources"
	KindDone      EventKind = "done"
	KindError     EventKind = "error"
	KindCancelled EventKind = "cancelled"
)

// SourceRef cites one retrieved chunk in a sources frame.
type SourceRef struct {
	Book    string  `json:"book"`
	Ordinal int     `json:"ordinal"`
	Score   float64 `json:"score"`
}

// ErrorInfo carries the taxonomy kind and a content-free message.
type ErrorInfo struct {
	Kind    edgeerr.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Event is one frame on the channel.
type Event struct {
	Kind     EventKind   `json:"kind"`
	Position int         `json:"position,omitempty"`
	Typing   bool        `json:"typing,omitempty"`
	Token    string      `json:"token,omitempty"`
	Sources  []SourceRef `json:"sources,omitempty"`
	Error    *ErrorInfo  `json:"error,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindDone, KindError, KindCancelled:
		return true
	}
	return false
}

// Sink receives framed events. The HTTP layer implements it over SSE; the
// tests implement it over a slice.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Send implements Sink.
func (f SinkFunc) Send(e Event) error { return f(e) }
