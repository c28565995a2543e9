package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Config bounds the access layer's resource use.
type Config struct {
	// MaxAttempts is the total number of provider calls for one Complete,
	// including the first. Minimum 1.
	MaxAttempts int
	// RetryBaseDelay is the backoff before the second attempt; it doubles
	// per subsequent attempt.
	RetryBaseDelay time.Duration
	// MaxPromptBytes fails requests fast with ErrPromptTooLarge before any
	// network call. 0 disables the guard.
	MaxPromptBytes int
	// CacheTTL is the lifetime of stored responses. 0 disables caching.
	CacheTTL time.Duration
	// MaxTokenWait bounds how long a caller blocks on the rate limiter.
	MaxTokenWait time.Duration
}

// Hooks receive access-layer events for metrics. Nil funcs are skipped.
type Hooks struct {
	OnCacheHit      func()
	OnCacheMiss     func()
	OnRateLimitWait func(seconds float64)
	OnRetry         func(attempt int)
	OnCall          func(inputTokens, outputTokens int, seconds float64)
}

// Client wraps one Provider with the shared cache, rate limiter, and retry
// policy. It is safe for concurrent use; the cache and bucket are the only
// shared mutable state and each is internally synchronized.
type Client struct {
	provider Provider
	model    string
	cache    Cache
	limiter  *Limiter
	cfg      Config
	hooks    Hooks
	logger   log.Logger
}

// NewClient assembles the access layer. cache may be nil to disable caching;
// limiter may be nil to disable rate limiting (tests only).
func NewClient(provider Provider, model string, cache Cache, limiter *Limiter, cfg Config, hooks Hooks, logger log.Logger) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Client{
		provider: provider,
		model:    model,
		cache:    cache,
		limiter:  limiter,
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger,
	}
}

// Complete runs one request through the full pipeline: size guard, cache
// lookup, token acquisition, provider call with bounded retry, cache store.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	if c.cfg.MaxPromptBytes > 0 && len(req.Prompt)+len(req.System) > c.cfg.MaxPromptBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrPromptTooLarge,
			len(req.Prompt)+len(req.System), c.cfg.MaxPromptBytes)
	}

	key := CacheKey(c.model, req)

	// cache hit consumes no token and makes no network call
	if c.cache != nil && c.cfg.CacheTTL > 0 {
		if resp, ok, err := c.cache.Get(ctx, key); err != nil {
			// a broken cache degrades to a miss, it never fails the call
			c.logger.Warn(ctx, "llm cache get failed", "error", err)
		} else if ok {
			if c.hooks.OnCacheHit != nil {
				c.hooks.OnCacheHit()
			}
			cp := *resp
			cp.Cached = true
			return &cp, nil
		}
	}
	if c.hooks.OnCacheMiss != nil {
		c.hooks.OnCacheMiss()
	}

	if c.limiter != nil {
		waitStart := time.Now()
		if err := c.limiter.Acquire(ctx, c.cfg.MaxTokenWait); err != nil {
			return nil, err
		}
		if c.hooks.OnRateLimitWait != nil {
			c.hooks.OnRateLimitWait(time.Since(waitStart).Seconds())
		}
	}

	resp, err := c.callWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && c.cfg.CacheTTL > 0 {
		if err := c.cache.Set(ctx, key, resp, c.cfg.CacheTTL); err != nil {
			c.logger.Warn(ctx, "llm cache set failed", "error", err)
		}
	}
	return resp, nil
}

// callWithRetry issues the provider call, retrying transient failures with
// exponential backoff. Retry state (attempt count, next delay) is explicit so
// the attempt bound is directly observable.
func (c *Client) callWithRetry(ctx context.Context, req *Request) (*Response, error) {
	attempt := 1
	delay := c.cfg.RetryBaseDelay

	for {
		start := time.Now()
		resp, err := c.provider.Complete(ctx, req)
		elapsed := time.Since(start)

		if err == nil {
			resp.Latency = elapsed
			if c.hooks.OnCall != nil {
				c.hooks.OnCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, elapsed.Seconds())
			}
			return resp, nil
		}

		if !IsTransient(err) {
			return nil, err
		}
		if attempt >= c.cfg.MaxAttempts {
			return nil, fmt.Errorf("llm call failed after %d attempts: %w", attempt, err)
		}

		c.logger.Warn(ctx, "transient llm failure, backing off",
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		if c.hooks.OnRetry != nil {
			c.hooks.OnRetry(attempt)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		attempt++
		delay *= 2
	}
}
