// Package embedding turns text into vectors through a pluggable provider,
// adding batching, per-call timeouts, retry with backoff and pacing between
// sub-batches.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"docqa/internal/apperr"
)

// Mode selects the provider task type. Document and query embeddings of the
// same model live in one space but are tuned differently.
type Mode int

const (
	ModeDocument Mode = iota
	ModeQuery
)

func (m Mode) String() string {
	if m == ModeQuery {
		return "query"
	}
	return "document"
}

// Provider performs a single embedding request. Implementations classify
// failures with apperr.ErrEmbeddingRequestRejected (do not retry),
// apperr.ErrNetworkTimeout or apperr.ErrEmbeddingTransientFailure.
type Provider interface {
	Embed(ctx context.Context, texts []string, mode Mode) ([][]float32, error)
}

type Config struct {
	BatchSize      int
	BatchDelay     time.Duration
	MaxRetries     int
	Timeout        time.Duration
	RetryInterval  time.Duration
	QueryCacheSize int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		BatchDelay:     200 * time.Millisecond,
		MaxRetries:     3,
		Timeout:        30 * time.Second,
		RetryInterval:  500 * time.Millisecond,
		QueryCacheSize: 1024,
	}
}

type Client struct {
	provider Provider
	cfg      Config
	cache    *lru.Cache[string, []float32]
}

func NewClient(provider Provider, cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = def.QueryCacheSize
	}

	cache, err := lru.New[string, []float32](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &Client{provider: provider, cfg: cfg, cache: cache}, nil
}

// EmbedBatch embeds texts in document mode, preserving input order. batchSize
// <= 0 uses the configured size. onProgress, if set, is called after every
// sub-batch with the number of texts embedded so far.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, batchSize int, onProgress func(done, total int)) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if batchSize <= 0 {
		batchSize = c.cfg.BatchSize
	}

	// The limiter is per call so pacing never stalls other ingestions.
	limit := rate.Inf
	if c.cfg.BatchDelay > 0 {
		limit = rate.Every(c.cfg.BatchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))

		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", apperr.ErrEmbeddingTransientFailure, err)
		}

		vecs, err := c.call(ctx, texts[start:end], ModeDocument)
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("%w: sub-batch %d..%d returned %d vectors", apperr.ErrEmbeddingCountMismatch, start, end, len(vecs))
		}
		out = append(out, vecs...)

		if onProgress != nil {
			onProgress(end, len(texts))
		}
	}

	if len(out) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", apperr.ErrEmbeddingCountMismatch, len(out), len(texts))
	}
	return out, nil
}

// EmbedQuery embeds one text in query mode. Results are cached.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}

	vecs, err := c.call(ctx, []string{text}, ModeQuery)
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: query returned %d vectors", apperr.ErrEmbeddingCountMismatch, len(vecs))
	}

	c.cache.Add(text, vecs[0])
	return vecs[0], nil
}

func (c *Client) call(ctx context.Context, texts []string, mode Mode) ([][]float32, error) {
	attempt := 0
	op := func() ([][]float32, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		vecs, err := c.provider.Embed(callCtx, texts, mode)
		if err == nil {
			return vecs, nil
		}

		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", apperr.ErrEmbeddingTransientFailure, ctx.Err()))
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperr.ErrNetworkTimeout) {
			err = fmt.Errorf("%w: embedding call exceeded %s: %w", apperr.ErrNetworkTimeout, c.cfg.Timeout, err)
		}
		if errors.Is(err, apperr.ErrEmbeddingRequestRejected) {
			return nil, backoff.Permanent(err)
		}

		slog.WarnContext(ctx, "embedding call failed", "attempt", attempt, "mode", mode.String(), "size", len(texts), "error", err)
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxElapsedTime = 0

	vecs, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, classify(err)
	}
	return vecs, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, apperr.ErrEmbeddingRequestRejected),
		errors.Is(err, apperr.ErrNetworkTimeout),
		errors.Is(err, apperr.ErrEmbeddingTransientFailure):
		return err
	default:
		return fmt.Errorf("%w: %w", apperr.ErrEmbeddingTransientFailure, err)
	}
}
