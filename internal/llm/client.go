// Package llm implements the provider clients behind consensus sampling.
// Each client speaks its provider's wire protocol directly over net/http
// and satisfies maker.Sampler. Transport failures carry the faults
// taxonomy so callers can tell retryable quota pressure from hard
// rejections.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dossier/internal/config"
	"dossier/internal/logging"
	"dossier/internal/maker"
)

// Provider names accepted by the factory.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGrok   = "grok"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
)

// Client is a provider-backed sampler with identity accessors for
// logging and service metadata.
type Client interface {
	maker.Sampler
	Model() string
	Provider() string
}

// New builds the client named by cfg.Provider. An empty provider means
// openai.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(cfg), nil
	case ProviderGrok:
		return NewGrokClient(cfg), nil
	case ProviderClaude:
		return NewClaudeClient(cfg), nil
	case ProviderGemini:
		return NewGeminiClient(cfg), nil
	case ProviderOllama:
		return NewOllamaClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (valid: openai, ollama, grok, claude, gemini)", cfg.Provider)
	}
}

const (
	defaultMaxTokens = 4096
	maxRetries       = 3
	minRequestGap    = 100 * time.Millisecond
)

// backoffDelay returns the pause before retry attempt i (1-based).
// Tests substitute a faster schedule.
var backoffDelay = func(i int) time.Duration {
	return time.Duration(1<<uint(i-1)) * time.Second
}

// throttle enforces a minimum gap between requests to one provider.
type throttle struct {
	mu          sync.Mutex
	lastRequest time.Time
}

func (t *throttle) wait(gap time.Duration) {
	t.mu.Lock()
	elapsed := time.Since(t.lastRequest)
	if elapsed < gap {
		time.Sleep(gap - elapsed)
	}
	t.lastRequest = time.Now()
	t.mu.Unlock()
}

// withDeadline applies the client timeout when the caller's context has
// no deadline of its own.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, has := ctx.Deadline(); has {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// clientTimeout parses the configured timeout, falling back to two
// minutes.
func clientTimeout(cfg config.LLMConfig) time.Duration {
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return 120 * time.Second
}

// resolveModel prefers the per-task hint over the configured model.
func resolveModel(configured string, task maker.Task) string {
	if task.ModelHint != "" {
		return task.ModelHint
	}
	return configured
}

// resolveMaxTokens applies the shared ceiling when the task does not set
// one.
func resolveMaxTokens(task maker.Task) int {
	if task.MaxTokens > 0 {
		return task.MaxTokens
	}
	return defaultMaxTokens
}

// auditLLM records one provider call on the audit trail.
func auditLLM(model string, tokens int, start time.Time, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	logging.Audit().LLMCall(model, tokens, time.Since(start).Milliseconds(), err == nil, msg)
}
