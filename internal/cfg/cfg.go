package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds warden-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClaudeAPIKey        string
	ClaudeModel         string
	LLMMaxAttempts      int
	LLMMaxPromptBytes   int
	LLMCacheTTLSeconds  int
	LLMRatePerMinute    float64
	LLMBurst            int
	LLMTokenWaitSeconds int

	FPThreshold         float64
	StageTimeoutSeconds int
	MaxActiveWorkflows  int

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on all API requests")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (empty = heuristic agents only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.LLMMaxAttempts, "llm-max-attempts", 3, "total provider attempts per completion, including the first (1..10)")
	fs.IntVar(&c.LLMMaxPromptBytes, "llm-max-prompt-bytes", 262144, "reject prompts larger than this before any network call (0 = unlimited)")
	fs.IntVar(&c.LLMCacheTTLSeconds, "llm-cache-ttl-seconds", 300, "lifetime of cached completions (0 = caching disabled)")
	fs.Float64Var(&c.LLMRatePerMinute, "llm-rate-per-minute", 60, "sustained provider calls per minute across all agents")
	fs.IntVar(&c.LLMBurst, "llm-burst", 10, "provider call burst capacity (1..1000)")
	fs.IntVar(&c.LLMTokenWaitSeconds, "llm-token-wait-seconds", 30, "max seconds a completion blocks on the rate limiter")

	fs.Float64Var(&c.FPThreshold, "fp-threshold", 0.9, "false-positive probability above which triage short-circuits (0..1)")
	fs.IntVar(&c.StageTimeoutSeconds, "stage-timeout-seconds", 60, "seconds a workflow stage may run before it fails (1..600)")
	fs.IntVar(&c.MaxActiveWorkflows, "max-active-workflows", 100, "concurrent workflow ceiling (1..10000)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the LLM response cache (empty = in-memory cache)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for verdict notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// API token is required; the alert API is never exposed unauthenticated
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// Claude model is required only when a provider is configured
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.LLMMaxAttempts < 1 || c.LLMMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_ATTEMPTS %d (must be 1..10)", c.LLMMaxAttempts))
	}
	if c.LLMMaxPromptBytes < 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_PROMPT_BYTES %d (must be >= 0)", c.LLMMaxPromptBytes))
	}
	if c.LLMCacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_CACHE_TTL_SECONDS %d (must be >= 0)", c.LLMCacheTTLSeconds))
	}
	if !(c.LLMRatePerMinute > 0) {
		errs = append(errs, fmt.Errorf("invalid LLM_RATE_PER_MINUTE %g (must be > 0)", c.LLMRatePerMinute))
	}
	if c.LLMBurst < 1 || c.LLMBurst > 1000 {
		errs = append(errs, fmt.Errorf("invalid LLM_BURST %d (must be 1..1000)", c.LLMBurst))
	}
	if c.LLMTokenWaitSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_TOKEN_WAIT_SECONDS %d (must be >= 0)", c.LLMTokenWaitSeconds))
	}

	// negated form so NaN is rejected too
	if !(c.FPThreshold > 0 && c.FPThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid FP_THRESHOLD %g (must be in (0, 1])", c.FPThreshold))
	}
	if c.StageTimeoutSeconds < 1 || c.StageTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid STAGE_TIMEOUT_SECONDS %d (must be 1..600)", c.StageTimeoutSeconds))
	}
	if c.MaxActiveWorkflows < 1 || c.MaxActiveWorkflows > 10000 {
		errs = append(errs, fmt.Errorf("invalid MAX_ACTIVE_WORKFLOWS %d (must be 1..10000)", c.MaxActiveWorkflows))
	}

	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
