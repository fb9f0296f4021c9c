package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/NithinThadem/branch-deployments-sub001/internal/observability"
	"github.com/NithinThadem/branch-deployments-sub001/internal/resilience"
)

// Config tunes the resilient client
type Config struct {
	Model        string
	ArbiterModel string
	Timeout      time.Duration // per attempt; for streams, time allowed before the first token
	Retry        *resilience.RetryConfig
}

// Client wraps a Provider with per-attempt timeouts, retries and a circuit breaker
type Client struct {
	provider Provider
	cfg      Config
	breaker  *resilience.CircuitBreaker
	logger   zerolog.Logger
}

// partialStreamError marks a stream that failed after tokens were delivered.
// Retrying would repeat text the caller may already have heard.
type partialStreamError struct {
	err error
}

func (e *partialStreamError) Error() string { return e.err.Error() }
func (e *partialStreamError) Unwrap() error { return e.err }

// handlerStop wraps an error returned by the caller's TokenHandler
type handlerStop struct {
	err error
}

func (e *handlerStop) Error() string { return e.err.Error() }
func (e *handlerStop) Unwrap() error { return e.err }

// NewClient creates a language model client
func NewClient(provider Provider, cfg Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ArbiterModel == "" {
		cfg.ArbiterModel = cfg.Model
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("llm", 5, 30*time.Second)
	}
	return &Client{
		provider: provider,
		cfg:      cfg,
		breaker:  breaker,
		logger:   logger.With().Str("component", "llm").Logger(),
	}
}

func isRetryable(err error) bool {
	var partial *partialStreamError
	if errors.As(err, &partial) || errors.Is(err, context.Canceled) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}

// guard runs fn through the circuit breaker. Cancellation and a handler
// stopping the stream are not backend failures.
func (c *Client) guard(fn func() error) error {
	var cancelled error
	err := c.breaker.Call(func() error {
		err := fn()
		var stop *handlerStop
		if errors.Is(err, context.Canceled) || errors.As(err, &stop) {
			cancelled = err
			return nil
		}
		return err
	})

	observability.UpdateCircuitBreakerState(c.breaker.Name(), int(c.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(c.breaker.Name())
		return err
	}
	return cancelled
}

// Stream streams a reply. An attempt that yields no token within the timeout
// is abandoned and retried with backoff; an attempt that already produced
// text is never retried.
func (c *Client) Stream(ctx context.Context, messages []Message, onToken TokenHandler) error {
	return c.guard(func() error {
		return resilience.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			var started atomic.Bool
			watchdog := time.AfterFunc(c.cfg.Timeout, func() {
				if !started.Load() {
					cancel()
				}
			})
			defer watchdog.Stop()

			err := c.provider.Stream(attemptCtx, c.cfg.Model, messages, func(token string) error {
				started.Store(true)
				if err := onToken(token); err != nil {
					return &handlerStop{err: err}
				}
				return nil
			})
			switch {
			case err == nil:
				return nil
			case started.Load():
				return &partialStreamError{err: err}
			case ctx.Err() == nil && attemptCtx.Err() != nil:
				c.logger.Warn().Dur("timeout", c.cfg.Timeout).Msg("No completion tokens before timeout, retrying")
				return resilience.NewRetryableError(fmt.Errorf("no tokens within %s: %w", c.cfg.Timeout, context.DeadlineExceeded))
			default:
				return err
			}
		}, isRetryable)
	})
}

func (c *Client) complete(ctx context.Context, model string, messages []Message) (string, error) {
	retry := *c.cfg.Retry
	retry.AttemptTimeout = c.cfg.Timeout

	var out string
	err := c.guard(func() error {
		return resilience.Retry(ctx, &retry, func(ctx context.Context) error {
			text, err := c.provider.Complete(ctx, model, messages)
			if err != nil {
				return err
			}
			out = text
			return nil
		}, isRetryable)
	})
	return out, err
}
