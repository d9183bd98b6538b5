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

// OllamaClient samples through a local Ollama daemon using its native
// chat API. No API key is required.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	throttle
}

// NewOllamaClient creates an Ollama client from the LLM config.
func NewOllamaClient(cfg config.LLMConfig) *OllamaClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2"
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: clientTimeout(cfg),
		},
	}
}

// Model returns the configured default model.
func (c *OllamaClient) Model() string { return c.model }

// Provider returns the provider name.
func (c *OllamaClient) Provider() string { return ProviderOllama }

// Sample sends one completion request and returns the raw model text.
func (c *OllamaClient) Sample(ctx context.Context, task maker.Task) (string, error) {
	const op = "llm.ollama"

	ctx, cancel := withDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	model := resolveModel(c.model, task)
	start := time.Now()
	logging.LLMDebug("[Ollama] sample: model=%s system_len=%d prompt_len=%d", model, len(task.System), len(task.Prompt))

	c.wait(minRequestGap)

	messages := make([]OllamaMessage, 0, 2)
	if task.System != "" {
		messages = append(messages, OllamaMessage{Role: "system", Content: task.System})
	}
	messages = append(messages, OllamaMessage{Role: "user", Content: task.Prompt})

	reqBody := OllamaRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options: &OllamaOptions{
			Temperature: task.Temperature,
			NumPredict:  resolveMaxTokens(task),
		},
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

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

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

		var apiResp OllamaResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if apiResp.ErrorMsg != "" {
			err := fmt.Errorf("API error: %s", apiResp.ErrorMsg)
			auditLLM(model, 0, start, err)
			return "", err
		}

		text := strings.TrimSpace(apiResp.Message.Content)
		tokens := apiResp.PromptEvalCount + apiResp.EvalCount
		auditLLM(model, tokens, start, nil)
		logging.LLM("[Ollama] sample: completed in %v response_len=%d", time.Since(start), len(text))
		return text, nil
	}

	err = fmt.Errorf("max retries exceeded: %w", lastErr)
	auditLLM(model, 0, start, err)
	logging.LLMError("[Ollama] sample: %v", err)
	return "", err
}
