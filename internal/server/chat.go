package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/dispatcher"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/stream"
)

type chatRequest struct {
	Question    string `json:"question"`
	SubjectCode string `json:"subject_code"`
	Grade       int    `json:"grade"`
	Lang        string `json:"lang"`
}

// handleChat submits the question and relays its event stream over SSE.
// Queue-full rejections come back as plain 429 JSON before any stream
// bytes are written.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil || req.Question == "" {
		s.writeError(w, edgeerr.Wrapf(edgeerr.KindInvalid, err, "malformed chat request"))
		return
	}
	if req.Lang == "" {
		req.Lang = s.opts.DefaultLang
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, edgeerr.Wrapf(edgeerr.KindInternal, nil, "streaming unsupported"))
		return
	}

	sink := newSSESink(w, flusher)
	emitter := stream.NewEmitter(sink)

	dreq := &dispatcher.Request{
		UserID:      userFrom(r).ID,
		SubjectCode: req.SubjectCode,
		Grade:       req.Grade,
		Question:    req.Question,
		Lang:        req.Lang,
		Payload:     emitter,
		OnPosition:  emitter.Position,
	}
	dreq.OnStreaming = func() { s.opts.Dispatcher.MarkStreaming(dreq.QueueID) }

	queueID, err := s.opts.Dispatcher.Submit(dreq)
	if err != nil {
		var qf *dispatcher.QueueFullError
		if errors.As(err, &qf) {
			s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{
					"kind":              edgeerr.KindQueueFull,
					"message":           "the queue is full, please try again",
					"depth":             qf.Depth,
					"estimated_wait_ms": qf.EstimatedWait.Milliseconds(),
				},
			})
			return
		}
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Queue-Id", queueID)
	w.WriteHeader(http.StatusOK)
	sink.start()

	select {
	case <-sink.done:
		// Terminal frame written.
	case <-r.Context().Done():
		// Browser went away: cancel cooperatively, then give the
		// pipeline a moment to terminate the stream state.
		if err := s.opts.Dispatcher.Cancel(queueID); err != nil {
			s.log.Debug("cancel after disconnect", zap.String("queue_id", queueID), zap.Error(err))
		}
		select {
		case <-sink.done:
		case <-time.After(5 * time.Second):
			s.log.Warn("stream did not terminate after disconnect",
				zap.String("queue_id", queueID))
		}
	}
}

// sseSink frames events as server-sent events. Events sent before
// start() (queue positions assigned during Submit) are buffered and
// flushed once the response headers are out.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	buffer  []stream.Event
	done    chan struct{}
	closed  bool
}

func newSSESink(w http.ResponseWriter, f http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: f, done: make(chan struct{})}
}

func (s *sseSink) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	for _, ev := range s.buffer {
		s.writeLocked(ev)
	}
	s.buffer = nil
}

// Send implements stream.Sink.
func (s *sseSink) Send(ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.buffer = append(s.buffer, ev)
	} else {
		s.writeLocked(ev)
	}
	if ev.Terminal() && !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *sseSink) writeLocked(ev stream.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}
