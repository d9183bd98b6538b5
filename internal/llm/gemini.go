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

// GeminiClient samples through the Google Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	throttle
}

// NewGeminiClient creates a Gemini client from the LLM config.
func NewGeminiClient(cfg config.LLMConfig) *GeminiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: clientTimeout(cfg),
		},
	}
}

// Model returns the configured default model.
func (c *GeminiClient) Model() string { return c.model }

// Provider returns the provider name.
func (c *GeminiClient) Provider() string { return ProviderGemini }

// Sample sends one completion request and returns the raw model text.
func (c *GeminiClient) Sample(ctx context.Context, task maker.Task) (string, error) {
	const op = "llm.gemini"

	if c.apiKey == "" {
		return "", fmt.Errorf("%s: API key not configured", op)
	}

	ctx, cancel := withDeadline(ctx, c.httpClient.Timeout)
	defer cancel()

	model := resolveModel(c.model, task)
	start := time.Now()
	logging.LLMDebug("[Gemini] sample: model=%s system_len=%d prompt_len=%d", model, len(task.System), len(task.Prompt))

	c.wait(minRequestGap)

	reqBody := GeminiRequest{
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{{Text: task.Prompt}}},
		},
		GenerationConfig: GeminiGenerationConfig{
			Temperature:     task.Temperature,
			MaxOutputTokens: resolveMaxTokens(task),
		},
	}
	if task.System != "" {
		reqBody.SystemInstruction = &GeminiContent{
			Parts: []GeminiPart{{Text: task.System}},
		}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			time.Sleep(backoffDelay(i))
		}
		if err := ctx.Err(); err != nil {
			return "", faults.Wrap(faults.KindCancelled, op, err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
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

		var apiResp GeminiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if apiResp.Error != nil {
			err := fmt.Errorf("API error: %s", apiResp.Error.Message)
			auditLLM(model, 0, start, err)
			return "", err
		}
		if len(apiResp.Candidates) == 0 {
			logging.LLMError("[Gemini] sample: no completion returned")
			return "", fmt.Errorf("no completion returned")
		}

		var sb strings.Builder
		for _, part := range apiResp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		text := strings.TrimSpace(sb.String())
		auditLLM(model, apiResp.UsageMetadata.TotalTokenCount, start, nil)
		logging.LLM("[Gemini] sample: completed in %v response_len=%d", time.Since(start), len(text))
		return text, nil
	}

	err = fmt.Errorf("max retries exceeded: %w", lastErr)
	auditLLM(model, 0, start, err)
	logging.LLMError("[Gemini] sample: %v", err)
	return "", err
}
