package llm

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"mnemos/internal/config"
	"mnemos/internal/errs"
	"mnemos/internal/logger"
)

// Embedder is the gateway contract consumed by the pipeline coordinator.
type Embedder interface {
	// Embed converts text to a fixed-dimension vector. Fails with
	// InvalidInput (empty/oversized), Transient (retries exhausted),
	// Dimension (wrong shape, never retried), or Timeout (deadline).
	Embed(ctx context.Context, text string, task TaskType) ([]float32, error)

	// EmbedBatch embeds texts preserving order. Partial success is
	// permitted: each position carries its own vector or error.
	EmbedBatch(ctx context.Context, texts []string, task TaskType) []BatchResult

	// Dimensions returns the enforced vector dimension.
	Dimensions() int
}

// BatchResult is one position of an EmbedBatch call.
type BatchResult struct {
	Vector []float32
	Err    error
}

// embedCaller abstracts the provider call so tests can substitute fakes.
type embedCaller interface {
	embedContent(ctx context.Context, text string, task TaskType) ([]float32, error)
}

// Gateway enforces dimension, retries, and rate shaping in front of the
// embedding provider. Safe for concurrent use; the limiters are process-wide.
type Gateway struct {
	caller       embedCaller
	dims         int
	maxAttempts  int
	maxTextBytes int
	waitTimeout  time.Duration

	// The configured rate is split between ingestion and an always-reserved
	// search share so interactive queries never starve behind bulk ingest.
	ingest *rate.Limiter
	search *rate.Limiter

	log *slog.Logger
}

// NewGateway builds a gateway over the Gemini client.
func NewGateway(client *Client, cfg config.Embedding) *Gateway {
	return newGateway(client, client.Dimensions(), cfg)
}

func newGateway(caller embedCaller, dims int, cfg config.Embedding) *Gateway {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}
	reserve := cfg.SearchReserve
	if reserve < 0.2 {
		reserve = 0.2
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 4
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}

	searchBurst := burst / 5
	if searchBurst < 1 {
		searchBurst = 1
	}

	return &Gateway{
		caller:       caller,
		dims:         dims,
		maxAttempts:  attempts,
		maxTextBytes: cfg.MaxTextBytes,
		waitTimeout:  waitTimeout,
		ingest:       rate.NewLimiter(rate.Limit(rps*(1-reserve)), burst),
		search:       rate.NewLimiter(rate.Limit(rps*reserve), searchBurst),
		log:          logger.Get(),
	}
}

// Dimensions returns the enforced vector dimension.
func (g *Gateway) Dimensions() int {
	return g.dims
}

// Embed implements Embedder.
func (g *Gateway) Embed(ctx context.Context, text string, task TaskType) ([]float32, error) {
	if text == "" {
		return nil, errs.Errorf(errs.KindInvalidInput, "llm.Embed", "empty text")
	}
	if g.maxTextBytes > 0 && len(text) > g.maxTextBytes {
		return nil, errs.Errorf(errs.KindInvalidInput, "llm.Embed", "text of %d bytes exceeds limit %d", len(text), g.maxTextBytes)
	}

	if err := g.wait(ctx, task); err != nil {
		return nil, err
	}

	var vec []float32
	op := func() error {
		v, err := g.caller.embedContent(ctx, text, task)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(errs.E(errs.KindTimeout, "llm.Embed", ctx.Err()))
			}
			// Provider errors are transient until proven structural.
			return errs.E(errs.KindTransient, "llm.Embed", err)
		}
		if err := g.validate(v); err != nil {
			return backoff.Permanent(err)
		}
		vec = v
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newExponentialBackOff(), uint64(g.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return vec, nil
}

// EmbedBatch implements Embedder. Requests are issued sequentially so the
// token bucket stays the single source of backpressure; ordering is preserved
// and one failed text does not fail its neighbors.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string, task TaskType) []BatchResult {
	results := make([]BatchResult, len(texts))
	for i, text := range texts {
		vec, err := g.Embed(ctx, text, task)
		results[i] = BatchResult{Vector: vec, Err: err}
		if err != nil && errs.KindOf(err) == errs.KindTimeout {
			// Deadline is gone; fail the remainder without burning the bucket.
			for j := i + 1; j < len(texts); j++ {
				results[j] = BatchResult{Err: errs.E(errs.KindTimeout, "llm.EmbedBatch", ctx.Err())}
			}
			break
		}
	}
	return results
}

// wait blocks on the appropriate token bucket. Search queries draw from the
// reserved share but may borrow an idle ingestion token first.
func (g *Gateway) wait(ctx context.Context, task TaskType) error {
	lim := g.ingest
	if task == TaskQuery {
		if g.ingest.Allow() {
			return nil
		}
		lim = g.search
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.waitTimeout)
	defer cancel()
	if err := lim.Wait(waitCtx); err != nil {
		return errs.E(errs.KindTimeout, "llm.Embed", err)
	}
	return nil
}

// validate enforces the dimension invariant and rejects non-finite values.
func (g *Gateway) validate(vec []float32) error {
	if len(vec) != g.dims {
		return errs.Errorf(errs.KindDimension, "llm.Embed", "provider returned %d dimensions, want %d", len(vec), g.dims)
	}
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errs.Errorf(errs.KindDimension, "llm.Embed", "provider returned non-finite component")
		}
	}
	return nil
}

func newExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // Attempt count is the budget, not wall time.
	return b
}

// Truncate clips text to the gateway's byte limit at a rune boundary. Memory
// content above the limit is embedded from its prefix rather than rejected.
func Truncate(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && (text[cut]&0xC0) == 0x80 {
		cut--
	}
	return text[:cut]
}
