// Package answer renders grounded prompts and runs them through a chat model,
// either as one completion or as a stream of fragments.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"docqa/internal/retrieval"
)

type Config struct {
	Temperature     float32
	MaxOutputTokens int32
	MaxHistoryTurns int
	Timeout         time.Duration
	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		Temperature:     0.1,
		MaxOutputTokens: 1024,
		MaxHistoryTurns: 6,
		Timeout:         60 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

type Answer struct {
	Text  string
	Usage Usage
}

// Fragment is one element of a streamed answer. A fragment with Err set is
// always the last one.
type Fragment struct {
	Text string
	Err  error
}

type Composer struct {
	model   ChatModel
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

func NewComposer(model ChatModel, cfg Config) *Composer {
	def := DefaultConfig()
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}
	if cfg.MaxHistoryTurns < 0 {
		cfg.MaxHistoryTurns = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat-model",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A caller that goes away is not a model failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Composer{model: model, cfg: cfg, breaker: breaker}
}

func (c *Composer) request(query string, sources []retrieval.Source, history []Turn) Request {
	return Request{
		System:          systemDirective,
		History:         recentHistory(history, c.cfg.MaxHistoryTurns),
		Prompt:          renderPrompt(query, sources),
		Temperature:     c.cfg.Temperature,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
	}
}

// Compose returns the complete answer with token usage.
func (c *Composer) Compose(ctx context.Context, query string, sources []retrieval.Source, history []Turn) (*Answer, error) {
	req := c.request(query, sources, history)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.model.Generate(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("compose answer: %w", err)
	}

	completion := res.(*Completion)
	slog.InfoContext(ctx, "answer composed",
		"sources", len(sources),
		"history", len(req.History),
		"total_tokens", completion.Usage.TotalTokens,
		"duration", time.Since(start))
	return &Answer{Text: completion.Text, Usage: completion.Usage}, nil
}

// ComposeStream starts the model and returns the fragments as they arrive.
// The channel is closed after the last fragment. Cancelling ctx stops the
// model call; the consumer must drain the channel until it is closed.
func (c *Composer) ComposeStream(ctx context.Context, query string, sources []retrieval.Source, history []Turn) (<-chan Fragment, error) {
	if c.breaker.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("compose answer: %w", gobreaker.ErrOpenState)
	}
	req := c.request(query, sources, history)

	out := make(chan Fragment)
	go func() {
		defer close(out)

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return c.model.Stream(callCtx, req, func(text string) error {
				select {
				case out <- Fragment{Text: text}:
					return nil
				case <-callCtx.Done():
					return callCtx.Err()
				}
			})
		})
		if err != nil {
			slog.WarnContext(ctx, "answer stream failed", "error", err)
			select {
			case out <- Fragment{Err: fmt.Errorf("compose answer: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}
