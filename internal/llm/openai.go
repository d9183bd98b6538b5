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

// OpenAIClient samples through the OpenAI chat-completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	throttle
}

// NewOpenAIClient creates an OpenAI client from the LLM config,
// filling in API defaults for unset fields.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: clientTimeout(cfg),
		},
	}
}

// Model returns the configured default model.
func (c *OpenAIClient) Model() string { return c.model }

// Provider returns the provider name.
func (c *OpenAIClient) Provider() string { return ProviderOpenAI }

// Sample sends one completion request and returns the raw model text.
func (c *OpenAIClient) Sample(ctx context.Context, task maker.Task) (string, error) {
	const op = "llm.openai"

	if c.apiKey == "" {
		return "", fmt.Errorf("%s: API key not configured", op)
	}

	ctx, cancel := withDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	model := resolveModel(c.model, task)
	start := time.Now()
	logging.LLMDebug("[OpenAI] sample: model=%s system_len=%d prompt_len=%d", model, len(task.System), len(task.Prompt))

	c.wait(minRequestGap)

	messages := make([]OpenAIMessage, 0, 2)
	if task.System != "" {
		messages = append(messages, OpenAIMessage{Role: "system", Content: task.System})
	}
	messages = append(messages, OpenAIMessage{Role: "user", Content: task.Prompt})

	reqBody := OpenAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   resolveMaxTokens(task),
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

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

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

		var apiResp OpenAIResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if apiResp.Error != nil {
			err := fmt.Errorf("API error: %s", apiResp.Error.Message)
			auditLLM(model, 0, start, err)
			return "", err
		}
		if len(apiResp.Choices) == 0 {
			logging.LLMError("[OpenAI] sample: no completion returned")
			return "", fmt.Errorf("no completion returned")
		}

		text := strings.TrimSpace(apiResp.Choices[0].Message.Content)
		auditLLM(model, apiResp.Usage.TotalTokens, start, nil)
		logging.LLM("[OpenAI] sample: completed in %v response_len=%d", time.Since(start), len(text))
		return text, nil
	}

	err = fmt.Errorf("max retries exceeded: %w", lastErr)
	auditLLM(model, 0, start, err)
	logging.LLMError("[OpenAI] sample: %v", err)
	return "", err
}
