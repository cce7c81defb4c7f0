// Package dispatcher bounds inference concurrency with a fixed worker
// pool fed by a FIFO queue. Admission order is service order; requests
// past the queue cap are rejected immediately rather than buffered
// unboundedly, so a 40-student classroom burst degrades into visible
// queue positions instead of a hung UI.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/metrics"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
)

// Position sentinels returned by Position for requests that are not
// waiting in the queue.
const (
	PositionActive   = 0  // occupying an inference slot
	PositionDone     = -1 // reached a terminal state
	PositionUnknown  = -2 // never seen, or already reaped
	reapAfter        = 5 * time.Minute
	reapTick         = time.Minute
	ewmaAlpha        = 0.2
	defaultServiceMs = 8000 // seed estimate before any completion
)

// Handler executes one admitted request. The context carries the
// end-to-end deadline and is cancelled on Cancel; handlers must return
// promptly once it fires. The returned error's taxonomy kind decides
// the terminal state.
type Handler func(ctx context.Context, req *Request) error

// Request is one unit of queued work.
type Request struct {
	// QueueID is assigned at submission.
	QueueID string

	UserID      int64
	SubjectCode string
	Grade       int
	Question    string
	Lang        string

	// OnPosition, when set, is invoked (under the dispatcher lock, keep
	// it cheap) each time the request's queue position changes.
	OnPosition func(pos int)

	// OnStreaming, when set, is invoked once when the first token is on
	// the wire.
	OnStreaming func()

	// Payload carries caller data (the response channel) through to the
	// handler opaquely.
	Payload any
}

// Config bounds the pool.
type Config struct {
	MaxConcurrent int
	MaxQueueDepth int
	// RequestDeadline is the end-to-end budget from admission to
	// terminal state.
	RequestDeadline time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   5,
		MaxQueueDepth:   1000,
		RequestDeadline: 60 * time.Second,
	}
}

// Stats is a point-in-time snapshot for the queue-stats endpoint.
type Stats struct {
	Depth          int    `json:"depth"`
	Active         int    `json:"active"`
	AdmittedTotal  uint64 `json:"admitted_total"`
	RejectedTotal  uint64 `json:"rejected_total"`
	CompletedTotal uint64 `json:"completed_total"`
	// EstimatedWait for a request admitted right now.
	EstimatedWait time.Duration `json:"estimated_wait_ns"`
}

// QueueFullError is the rejection returned when the queue is at
// capacity. It classifies as edgeerr.ErrQueueFull and carries what the
// client needs to render a retry hint.
type QueueFullError struct {
	Depth         int
	EstimatedWait time.Duration
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("inference queue is full (depth %d, estimated wait %s)",
		e.Depth, e.EstimatedWait.Round(time.Second))
}

func (e *QueueFullError) Is(target error) bool { return target == edgeerr.ErrQueueFull }

type entry struct {
	req    *Request
	state  types.RequestState
	cancel context.CancelFunc

	enqueuedAt time.Time
	startedAt  time.Time
	doneAt     time.Time
}

// Dispatcher runs the pool. Create with New, then Start.
type Dispatcher struct {
	cfg     Config
	handler Handler
	log     *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*entry          // FIFO, cancelled entries removed eagerly
	entries map[string]*entry // includes terminal entries until reaped
	active  int
	paused  bool
	closed  bool

	admitted  uint64
	rejected  uint64
	completed uint64
	// serviceEWMA is the exponentially weighted mean service time in
	// milliseconds, used for wait estimates.
	serviceEWMA float64

	wg sync.WaitGroup
}

// New creates a stopped dispatcher.
func New(cfg Config, handler Handler) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = DefaultConfig().RequestDeadline
	}
	d := &Dispatcher{
		cfg:         cfg,
		handler:     handler,
		log:         logging.Get("dispatcher"),
		entries:     make(map[string]*entry),
		serviceEWMA: defaultServiceMs,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool and the terminal-entry reaper. Workers
// exit when ctx is cancelled; Wait blocks until they have.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.MaxConcurrent; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.reaper(ctx)

	// Wake blocked workers when the context dies.
	go func() {
		<-ctx.Done()
		d.mu.Lock()
		d.closed = true
		d.cond.Broadcast()
		d.mu.Unlock()
	}()
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Submit admits a request or rejects it with QueueFullError. The
// returned queue ID identifies the request for Position and Cancel.
func (d *Dispatcher) Submit(req *Request) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", edgeerr.Wrapf(edgeerr.KindResourceUnavailable, nil, "dispatcher stopped")
	}
	if len(d.queue) >= d.cfg.MaxQueueDepth {
		d.rejected++
		metrics.RejectedTotal.Inc()
		return "", &QueueFullError{
			Depth:         len(d.queue),
			EstimatedWait: d.estimatedWaitLocked(len(d.queue)),
		}
	}

	req.QueueID = uuid.NewString()
	e := &entry{
		req:        req,
		state:      types.StateQueued,
		enqueuedAt: time.Now(),
	}
	d.queue = append(d.queue, e)
	d.entries[req.QueueID] = e
	d.admitted++
	metrics.AdmittedTotal.Inc()
	metrics.QueueDepth.Set(float64(len(d.queue)))

	if req.OnPosition != nil {
		req.OnPosition(len(d.queue))
	}
	d.cond.Signal()
	return req.QueueID, nil
}

// Position reports where a request stands: 0 while it occupies a slot,
// 1-based depth while queued, -1 once terminal, -2 if unknown.
func (d *Dispatcher) Position(queueID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[queueID]
	if !ok {
		return PositionUnknown
	}
	switch e.state {
	case types.StateActive, types.StateStreaming:
		return PositionActive
	case types.StateQueued:
		for i, qe := range d.queue {
			if qe == e {
				return i + 1
			}
		}
		return PositionUnknown
	default:
		return PositionDone
	}
}

// Cancel requests cooperative cancellation. A queued request leaves the
// queue immediately; an active one has its context cancelled and
// reaches the cancelled state when its handler returns.
func (d *Dispatcher) Cancel(queueID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[queueID]
	if !ok {
		return edgeerr.ErrNotFound
	}
	switch e.state {
	case types.StateQueued:
		for i, qe := range d.queue {
			if qe == e {
				d.queue = append(d.queue[:i], d.queue[i+1:]...)
				break
			}
		}
		e.state = types.StateCancelled
		e.doneAt = time.Now()
		d.completed++
		metrics.CompletedTotal.WithLabelValues("cancelled").Inc()
		metrics.QueueDepth.Set(float64(len(d.queue)))
		d.notifyPositionsLocked()
		return nil
	case types.StateActive, types.StateStreaming:
		e.cancel()
		return nil
	default:
		// Already terminal. Cancel is idempotent.
		return nil
	}
}

// MarkStreaming transitions an active request to streaming once its
// first token is on the wire.
func (d *Dispatcher) MarkStreaming(queueID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[queueID]; ok && e.state == types.StateActive {
		e.state = types.StateStreaming
	}
}

// Stats snapshots the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Depth:          len(d.queue),
		Active:         d.active,
		AdmittedTotal:  d.admitted,
		RejectedTotal:  d.rejected,
		CompletedTotal: d.completed,
		EstimatedWait:  d.estimatedWaitLocked(len(d.queue)),
	}
}

// Drain pauses slot assignment and waits for active requests to finish.
// Queued requests stay queued and resume service after Resume; this is
// the quiesce step of a model swap.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		d.mu.Lock()
		idle := d.active == 0
		d.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Resume reopens slot assignment after a Drain.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.paused = false
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		e, reqCtx := d.next(ctx)
		if e == nil {
			return
		}
		d.serve(ctx, reqCtx, e)
	}
}

// next blocks until a queued entry is available, returning nil on
// shutdown. The entry's request context and cancel func are installed
// in the same critical section that marks it active, so Cancel never
// observes an active entry without a cancel func.
func (d *Dispatcher) next(ctx context.Context) (*entry, context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if d.closed {
			return nil, nil
		}
		if !d.paused && len(d.queue) > 0 {
			e := d.queue[0]
			d.queue = d.queue[1:]
			// The deadline is end-to-end: queue wait already consumed
			// part of the budget.
			reqCtx, cancel := context.WithDeadline(ctx, e.enqueuedAt.Add(d.cfg.RequestDeadline))
			e.cancel = cancel
			e.state = types.StateActive
			e.startedAt = time.Now()
			d.active++
			metrics.QueueDepth.Set(float64(len(d.queue)))
			metrics.ActiveRequests.Set(float64(d.active))
			d.notifyPositionsLocked()
			if e.req.OnPosition != nil {
				e.req.OnPosition(PositionActive)
			}
			return e, reqCtx
		}
		d.cond.Wait()
	}
}

func (d *Dispatcher) serve(ctx context.Context, reqCtx context.Context, e *entry) {
	deadline := e.enqueuedAt.Add(d.cfg.RequestDeadline)

	var err error
	if time.Now().After(deadline) {
		err = edgeerr.Wrapf(edgeerr.KindTimeout, nil, "expired in queue")
	} else {
		err = d.handler(reqCtx, e.req)
		switch {
		case err == nil && reqCtx.Err() != nil:
			err = classifyCtx(reqCtx, ctx, nil)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// A handler surfacing the raw context error still lands on
			// the right terminal state.
			err = classifyCtx(reqCtx, ctx, err)
		}
	}
	e.cancel()
	d.finish(e, err)
}

// classifyCtx distinguishes a fired deadline from a cooperative cancel.
func classifyCtx(reqCtx, poolCtx context.Context, fallback error) error {
	if poolCtx.Err() != nil {
		return edgeerr.Wrap(edgeerr.KindResourceUnavailable, poolCtx.Err())
	}
	cause := reqCtx.Err()
	if cause == nil {
		cause = fallback
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return edgeerr.Wrap(edgeerr.KindTimeout, cause)
	}
	return edgeerr.Wrap(edgeerr.KindCancelled, cause)
}

func (d *Dispatcher) finish(e *entry, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e.doneAt = time.Now()
	outcome := "done"
	switch {
	case err == nil:
		e.state = types.StateDone
	case edgeerr.KindOf(err) == edgeerr.KindCancelled:
		e.state = types.StateCancelled
		outcome = "cancelled"
	default:
		e.state = types.StateFailed
		outcome = "failed"
		d.log.Warn("request failed",
			zap.String("queue_id", e.req.QueueID),
			zap.String("kind", string(edgeerr.KindOf(err))),
			zap.Error(err))
	}

	service := e.doneAt.Sub(e.startedAt)
	d.serviceEWMA = ewmaAlpha*float64(service.Milliseconds()) + (1-ewmaAlpha)*d.serviceEWMA
	d.active--
	d.completed++
	metrics.ActiveRequests.Set(float64(d.active))
	metrics.CompletedTotal.WithLabelValues(outcome).Inc()
	metrics.InferenceSeconds.Observe(e.doneAt.Sub(e.enqueuedAt).Seconds())
}

// estimatedWaitLocked projects the wait for a request entering at the
// given depth: the queue depth times the observed mean service time.
func (d *Dispatcher) estimatedWaitLocked(depth int) time.Duration {
	return time.Duration(float64(depth)*d.serviceEWMA) * time.Millisecond
}

func (d *Dispatcher) notifyPositionsLocked() {
	for i, e := range d.queue {
		if e.req.OnPosition != nil {
			e.req.OnPosition(i + 1)
		}
	}
}

// reaper drops terminal entries after a grace window so Position keeps
// answering -1 briefly, then -2.
func (d *Dispatcher) reaper(ctx context.Context) {
	defer d.wg.Done()
	tick := time.NewTicker(reapTick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			d.mu.Lock()
			for id, e := range d.entries {
				if e.state.Terminal() && now.Sub(e.doneAt) > reapAfter {
					delete(d.entries, id)
				}
			}
			d.mu.Unlock()
		}
	}
}
