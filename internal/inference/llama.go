package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/config"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
)

// LlamaEngine drives a local llama.cpp server over its streaming
// completion endpoint. The server process owns the weights; this adapter
// owns the load lifecycle and the per-call token stream.
type LlamaEngine struct {
	cfg    config.ModelConfig
	client *http.Client
	log    *zap.Logger

	mu     sync.Mutex
	loaded bool
}

// NewLlamaEngine creates the adapter without loading anything.
func NewLlamaEngine(cfg config.ModelConfig) *LlamaEngine {
	return &LlamaEngine{
		cfg: cfg,
		// Per-call deadlines come from Limits; the client itself never
		// times out a streaming body.
		client: &http.Client{},
		log:    logging.Get("inference"),
	}
}

// Load verifies the model artifact and the runtime. Idempotent.
func (e *LlamaEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return nil
	}

	if _, err := os.Stat(e.cfg.Path); err != nil {
		if os.IsNotExist(err) {
			return edgeerr.Wrapf(edgeerr.KindModelMissing, err, "model artifact %s", e.cfg.Path)
		}
		return err
	}

	if err := e.probeHealth(ctx); err != nil {
		return edgeerr.Wrap(edgeerr.KindIncompatible, err)
	}

	if err := claimProcessSlot(); err != nil {
		return err
	}
	e.loaded = true
	e.log.Info("model loaded",
		zap.String("path", e.cfg.Path),
		zap.String("version", e.cfg.Version))
	return nil
}

func (e *LlamaEngine) probeHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("runtime unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime health returned status %d", resp.StatusCode)
	}
	return nil
}

// Unload releases the process slot. The server process keeps running; a
// fresh Load re-verifies it.
func (e *LlamaEngine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return nil
	}
	e.loaded = false
	releaseProcessSlot()
	e.log.Info("model unloaded")
	return nil
}

// Loaded reports load state.
func (e *LlamaEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Version reports the configured model version string.
func (e *LlamaEngine) Version() string { return e.cfg.Version }

type llamaCompletionRequest struct {
	Prompt      string  `json:"prompt"`
	NPredict    int     `json:"n_predict"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Stream      bool    `json:"stream"`
}

type llamaStreamChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate streams tokens for one prompt. The stream terminates with an
// error sentinel (Timeout, OutOfMemory, ContextOverflow) or closes after
// the final token on normal completion.
func (e *LlamaEngine) Generate(ctx context.Context, prompt string, limits Limits) (<-chan Fragment, error) {
	if !e.Loaded() {
		return nil, edgeerr.ErrModelMissing
	}

	if limits.PerCallTimeout <= 0 {
		limits.PerCallTimeout = DefaultLimits().PerCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, limits.PerCallTimeout)

	body, err := json.Marshal(llamaCompletionRequest{
		Prompt:      prompt,
		NPredict:    limits.MaxOutputTokens,
		Temperature: limits.Temperature,
		TopP:        limits.TopP,
		Stream:      true,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		e.cfg.Endpoint+"/completion", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		cancel()
		return nil, e.classifyTransport(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, e.classifyStatus(resp.StatusCode, string(b))
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()
		e.consumeStream(ctx, callCtx, resp.Body, out)
	}()
	return out, nil
}

// consumeStream reads server-sent "data:" lines into fragments.
func (e *LlamaEngine) consumeStream(reqCtx, callCtx context.Context, body io.Reader, out chan<- Fragment) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var chunk llamaStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			out <- Fragment{Err: fmt.Errorf("malformed stream chunk: %w", err)}
			return
		}
		if chunk.Error != nil {
			out <- Fragment{Err: e.classifyMessage(chunk.Error.Message)}
			return
		}
		if chunk.Content != "" {
			select {
			case out <- Fragment{Text: chunk.Content}:
			case <-reqCtx.Done():
				out <- Fragment{Err: edgeerr.Wrap(edgeerr.KindCancelled, reqCtx.Err())}
				return
			}
		}
		if chunk.Stop {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- Fragment{Err: e.classifyTransport(reqCtx, callErrOr(callCtx, err))}
	}
}

func callErrOr(callCtx context.Context, err error) error {
	if callCtx.Err() != nil {
		return callCtx.Err()
	}
	return err
}

func (e *LlamaEngine) classifyTransport(reqCtx context.Context, err error) error {
	switch {
	case reqCtx.Err() != nil:
		return edgeerr.Wrap(edgeerr.KindCancelled, reqCtx.Err())
	case strings.Contains(err.Error(), "context deadline exceeded"):
		return edgeerr.Wrap(edgeerr.KindTimeout, err)
	default:
		return edgeerr.Wrap(edgeerr.KindIncompatible, err)
	}
}

func (e *LlamaEngine) classifyStatus(code int, body string) error {
	switch {
	case code == http.StatusServiceUnavailable && strings.Contains(body, "memory"):
		return edgeerr.Wrapf(edgeerr.KindOutOfMemory, nil, "runtime refused: %s", body)
	case code == http.StatusBadRequest && strings.Contains(body, "context"):
		return edgeerr.Wrapf(edgeerr.KindContextOverflow, nil, "runtime refused: %s", body)
	default:
		return edgeerr.Wrapf(edgeerr.KindIncompatible, nil, "runtime returned status %d", code)
	}
}

func (e *LlamaEngine) classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "out of memory"), strings.Contains(lower, "oom"):
		return edgeerr.Wrapf(edgeerr.KindOutOfMemory, nil, "%s", msg)
	case strings.Contains(lower, "context"):
		return edgeerr.Wrapf(edgeerr.KindContextOverflow, nil, "%s", msg)
	default:
		return edgeerr.Wrapf(edgeerr.KindIncompatible, nil, "%s", msg)
	}
}
