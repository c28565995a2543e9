// Package llm provides the shared access layer in front of the external
// completion endpoint: response caching, token-bucket rate limiting, and
// retry with exponential backoff. Every agent goes through one shared Client.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Provider is the interface for the external completion backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request is one completion request. Prompt and parameters together form the
// cache key, so equal requests hit the same entry.
type Request struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the provider's answer to one Request.
type Response struct {
	Content string        `json:"content"`
	Model   string        `json:"model"`
	Usage   Usage         `json:"usage"`
	Latency time.Duration `json:"latency_ns"`
	Cached  bool          `json:"cached,omitempty"`
}

var (
	// ErrRateLimited means the token budget stayed exhausted past the
	// configured maximum wait. The calling agent decides whether to fail
	// its stage.
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrPromptTooLarge means the prompt exceeded the configured maximum
	// input size; no network call was attempted.
	ErrPromptTooLarge = errors.New("llm: prompt too large")
)

// ProviderError is a failure reported by (or on the way to) the provider.
// Transient failures are retried by the Client; non-transient ones surface
// immediately.
type ProviderError struct {
	StatusCode int // 0 for transport-level failures
	Transient  bool
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm provider error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm provider error: %s", e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried: network failures,
// provider 5xx, timeouts, and provider-side rate limiting (429). Any other
// 4xx or a malformed response is permanent.
func IsTransient(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	return false
}

// CacheKey derives the deterministic cache key for a request against a model:
// a hex SHA-256 over the canonical JSON of (model, prompt, parameters).
func CacheKey(model string, req *Request) string {
	keyed := struct {
		Model       string  `json:"model"`
		System      string  `json:"system"`
		Prompt      string  `json:"prompt"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
	}{model, req.System, req.Prompt, req.MaxTokens, req.Temperature}

	data, _ := json.Marshal(keyed)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Cache stores responses under their request key. Implementations must make
// expired entries indistinguishable from missing ones.
type Cache interface {
	Get(ctx context.Context, key string) (*Response, bool, error)
	Set(ctx context.Context, key string, resp *Response, ttl time.Duration) error
}
