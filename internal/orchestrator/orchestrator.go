// Package orchestrator runs the question-answer pipeline for one
// admitted request: embed the question, search the active knowledge
// collections, fit the hits into the prompt budget, stream the model's
// tokens, and persist the exchange. Every infrastructure failure along
// the way degrades to a defined branch rather than a dropped stream.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/assembler"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/dispatcher"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/embedding"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/inference"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/metastore"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/stream"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/types"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/vectorstore"
)

// QuestionSample is the privacy-scoped telemetry record for one
// answered question. It carries shape, never content.
type QuestionSample struct {
	SubjectCode      string
	Grade            int
	TimeToFirstToken time.Duration
	TotalLatency     time.Duration
	Confidence       float64
	Fallback         bool
	Outcome          string // done | failed | cancelled | timeout
}

// Recorder receives question samples. The telemetry aggregator
// implements it; tests use a slice.
type Recorder interface {
	RecordQuestion(QuestionSample)
}

// Options wires the pipeline.
type Options struct {
	Embedder embedding.Provider
	Vectors  *vectorstore.Gateway
	Engine   inference.Engine
	Meta     *metastore.Store
	Recorder Recorder

	TopK   int
	Budget assembler.Budget
	Limits inference.Limits
	// Lang is the default instructional language for requests that do
	// not carry one.
	Lang string
}

// Orchestrator binds retrieval, assembly, and inference.
type Orchestrator struct {
	opts Options
	log  *zap.Logger
}

// New wires an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Lang == "" {
		opts.Lang = "id"
	}
	if opts.Limits.PerCallTimeout <= 0 {
		opts.Limits = inference.DefaultLimits()
	}
	return &Orchestrator{opts: opts, log: logging.Get("orchestrator")}
}

// Process is the dispatcher handler: it serves one request end to end
// and always leaves the emitter terminated.
func (o *Orchestrator) Process(ctx context.Context, req *dispatcher.Request) error {
	em, _ := req.Payload.(*stream.Emitter)
	if em == nil {
		em = stream.NewEmitter(stream.SinkFunc(func(stream.Event) error { return nil }))
	}

	start := time.Now()
	lang := req.Lang
	if lang == "" {
		lang = o.opts.Lang
	}

	selected, retrievalDegraded := o.retrieve(ctx, req)
	prompt := assembler.Render(selected, req.Question, lang)

	sample := QuestionSample{
		SubjectCode: req.SubjectCode,
		Grade:       req.Grade,
		Fallback:    prompt.Fallback,
		Confidence:  confidence(selected),
	}

	var err error
	if prompt.Fallback {
		// No usable material: answer deterministically without spending
		// an engine call, but respect an already-dead context.
		err = o.serveFallback(ctx, req, em, lang, start, &sample)
	} else {
		err = o.serveGenerated(ctx, req, em, prompt.Text, selected, start, &sample)
	}

	sample.TotalLatency = time.Since(start)
	if o.opts.Recorder != nil {
		o.opts.Recorder.RecordQuestion(sample)
	}
	if retrievalDegraded {
		o.log.Warn("answered with degraded retrieval", zap.String("queue_id", req.QueueID))
	}
	return err
}

// retrieve embeds the question and searches the active collections. Any
// failure here collapses to an empty selection, which downstream renders
// as the no-material fallback.
func (o *Orchestrator) retrieve(ctx context.Context, req *dispatcher.Request) ([]assembler.Candidate, bool) {
	vec, err := o.opts.Embedder.Embed(ctx, req.Question)
	if err != nil {
		o.log.Warn("question embedding failed", zap.Error(err))
		return nil, true
	}

	var filter *vectorstore.SubjectFilter
	if req.SubjectCode != "" {
		filter = &vectorstore.SubjectFilter{SubjectCode: req.SubjectCode, Grade: req.Grade}
	}
	hits, err := o.opts.Vectors.Search(ctx, vec, filter, o.opts.TopK)
	if err != nil {
		o.log.Warn("vector search failed", zap.Error(err))
		return nil, true
	}
	if len(hits) == 0 {
		return nil, false
	}

	titles := o.bookTitles(ctx, req)
	candidates := make([]assembler.Candidate, 0, len(hits))
	for _, h := range hits {
		c := assembler.Candidate{Result: h, MatchesFilter: filter != nil}
		if t, ok := titles[h.BookID]; ok {
			c.BookTitle = t
		} else {
			c.BookTitle = "Buku Paket"
		}
		candidates = append(candidates, c)
	}
	return assembler.Fit(assembler.Rank(candidates), o.opts.Budget), false
}

func (o *Orchestrator) bookTitles(ctx context.Context, req *dispatcher.Request) map[int64]string {
	titles := make(map[int64]string)
	if req.SubjectCode == "" {
		return titles
	}
	subj, err := o.opts.Meta.GetSubject(ctx, req.SubjectCode, req.Grade)
	if err != nil {
		return titles
	}
	books, err := o.opts.Meta.ListBooks(ctx, subj.ID)
	if err != nil {
		return titles
	}
	for _, b := range books {
		titles[b.ID] = b.Title
	}
	return titles
}

// serveFallback streams the localized no-material message and persists
// it like any other exchange, with confidence 0.
func (o *Orchestrator) serveFallback(ctx context.Context, req *dispatcher.Request, em *stream.Emitter, lang string, start time.Time, sample *QuestionSample) error {
	if err := ctx.Err(); err != nil {
		em.Cancelled()
		sample.Outcome = "cancelled"
		return edgeerr.Wrap(edgeerr.KindCancelled, err)
	}
	em.StartTyping()
	msg := assembler.NoMaterialMessage(lang)
	em.Token(msg)
	sample.TimeToFirstToken = time.Since(start)
	em.Done()
	sample.Outcome = "done"
	o.persist(req, msg, 0.0, false)
	return nil
}

// serveGenerated runs the engine and relays its token stream.
func (o *Orchestrator) serveGenerated(ctx context.Context, req *dispatcher.Request, em *stream.Emitter,
	prompt string, selected []assembler.Candidate, start time.Time, sample *QuestionSample) error {

	em.StartTyping()
	frags, err := o.opts.Engine.Generate(ctx, prompt, o.opts.Limits)
	if err != nil {
		return o.fail(ctx, req, em, nil, err, sample)
	}

	var answer strings.Builder
	first := true
	for f := range frags {
		if f.Err != nil {
			return o.fail(ctx, req, em, []byte(answer.String()), f.Err, sample)
		}
		if first {
			first = false
			sample.TimeToFirstToken = time.Since(start)
			if req.OnStreaming != nil {
				req.OnStreaming()
			}
		}
		answer.WriteString(f.Text)
		em.Token(f.Text)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(ctx, req, em, []byte(answer.String()), edgeerr.Wrap(edgeerr.KindCancelled, err), sample)
	}

	em.Sources(sourceRefs(selected))
	em.Done()
	sample.Outcome = "done"
	o.persist(req, answer.String(), sample.Confidence, false)
	return nil
}

// fail terminates the stream for an engine or pipeline failure and
// persists whatever partial answer exists.
func (o *Orchestrator) fail(ctx context.Context, req *dispatcher.Request, em *stream.Emitter,
	partial []byte, err error, sample *QuestionSample) error {

	kind := edgeerr.KindOf(err)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && kind == edgeerr.KindCancelled {
		kind = edgeerr.KindTimeout
		err = edgeerr.Wrap(edgeerr.KindTimeout, err)
	}

	switch kind {
	case edgeerr.KindCancelled:
		em.Cancelled()
		sample.Outcome = "cancelled"
	case edgeerr.KindTimeout:
		em.Error(kind, clientMessage(kind))
		sample.Outcome = "timeout"
	default:
		em.Error(kind, clientMessage(kind))
		sample.Outcome = "failed"
	}

	if len(partial) > 0 {
		o.persist(req, string(partial), sample.Confidence, true)
	}
	return err
}

// persist appends the chat entry; the metastore absorbs storage
// failures into its spill buffer, so a persistence problem never
// surfaces on the stream.
func (o *Orchestrator) persist(req *dispatcher.Request, answer string, conf float64, partial bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry := &types.ChatEntry{
		UserID:     req.UserID,
		Question:   req.Question,
		Response:   answer,
		Confidence: conf,
		Partial:    partial,
		CreatedAt:  time.Now(),
	}
	if req.SubjectCode != "" {
		if subj, err := o.opts.Meta.GetSubject(ctx, req.SubjectCode, req.Grade); err == nil {
			entry.SubjectID = &subj.ID
		}
	}
	if err := o.opts.Meta.AppendChatEntry(ctx, entry); err != nil {
		o.log.Error("chat entry lost", zap.Error(err))
	}
}

// confidence maps the best retrieval score into [0,1]: a floor of 0.25
// for any grounded answer, scaled by how close the best hit is.
func confidence(selected []assembler.Candidate) float64 {
	if len(selected) == 0 {
		return 0.0
	}
	top := selected[0].Score
	if top < 0 {
		top = 0
	}
	if top > 1 {
		top = 1
	}
	return 0.25 + 0.75*top
}

func sourceRefs(selected []assembler.Candidate) []stream.SourceRef {
	refs := make([]stream.SourceRef, 0, len(selected))
	for _, c := range selected {
		refs = append(refs, stream.SourceRef{Book: c.BookTitle, Ordinal: c.Ordinal, Score: c.Score})
	}
	return refs
}

// clientMessage maps a taxonomy kind to the content-free text shown to
// the student.
func clientMessage(kind edgeerr.Kind) string {
	switch kind {
	case edgeerr.KindTimeout:
		return "the answer took too long, please try again"
	case edgeerr.KindOutOfMemory, edgeerr.KindResourceUnavailable:
		return "the assistant is overloaded, please try again shortly"
	case edgeerr.KindContextOverflow:
		return "the question is too long, please shorten it"
	case edgeerr.KindModelMissing, edgeerr.KindIncompatible:
		return "the assistant is unavailable, please tell your teacher"
	default:
		return "something went wrong, please try again"
	}
}
