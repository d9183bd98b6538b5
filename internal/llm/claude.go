package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/logging"
	"dossier/internal/maker"
)

// ClaudeClient samples through the Anthropic messages API.
type ClaudeClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	throttle
}

// NewClaudeClient creates an Anthropic client from the LLM config.
func NewClaudeClient(cfg config.LLMConfig) *ClaudeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &ClaudeClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: clientTimeout(cfg),
		},
	}
}

// Model returns the configured default model.
func (c *ClaudeClient) Model() string { return c.model }

// Provider returns the provider name.
func (c *ClaudeClient) Provider() string { return ProviderClaude }

// Sample sends one completion request and returns the raw model text.
func (c *ClaudeClient) Sample(ctx context.Context, task maker.Task) (string, error) {
	const op = "llm.claude"

	if c.apiKey == "" {
		return "", fmt.Errorf("%s: API key not configured", op)
	}

	ctx, cancel := withDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	model := resolveModel(c.model, task)
	start := time.Now()
	logging.LLMDebug("[Claude] sample: model=%s system_len=%d prompt_len=%d", model, len(task.System), len(task.Prompt))

	c.wait(minRequestGap)

	reqBody := ClaudeRequest{
		Model:     model,
		MaxTokens: resolveMaxTokens(task),
		System:    task.System,
		Messages: []ClaudeMessage{
			{Role: "user", Content: task.Prompt},
		},
		Temperature: task.Temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(backoffDelay(i))
		}
		if err := ctx.Err(); err != nil {
			return "", faults.Wrap(faults.KindCancelled, op, err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = faults.Wrap(faults.KindTransientIO, op, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = faults.Wrap(faults.KindTransientIO, op, err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = faults.Errorf(faults.KindQuotaExceeded, op, "rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = faults.Errorf(faults.KindTransientIO, op, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			err := faults.Errorf(faults.KindFromHTTPStatus(resp.StatusCode), op, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			auditLLM(model, 0, start, err)
			return "", err
		}

		var apiResp ClaudeResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if apiResp.Error != nil {
			err := fmt.Errorf("API error: %s", apiResp.Error.Message)
			auditLLM(model, 0, start, err)
			return "", err
		}
		if len(apiResp.Content) == 0 {
			logging.LLMError("[Claude] sample: no completion returned")
			return "", fmt.Errorf("no completion returned")
		}

		var sb strings.Builder
		for _, block := range apiResp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		text := strings.TrimSpace(sb.String())
		tokens := apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens
		auditLLM(model, tokens, start, nil)
		logging.LLM("[Claude] sample: completed in %v response_len=%d", time.Since(start), len(text))
		return text, nil
	}

	err = fmt.Errorf("max retries exceeded: %w", lastErr)
	auditLLM(model, 0, start, err)
	logging.LLMError("[Claude] sample: %v", err)
	return "", err
}
