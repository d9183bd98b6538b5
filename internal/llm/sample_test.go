package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"dossier/internal/config"
	"dossier/internal/faults"
	"dossier/internal/maker"
)

func TestOpenAISample(t *testing.T) {
	var gotReq OpenAIRequest
	var gotAuth, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"  {\"v\":1}\n"}}],"usage":{"total_tokens":42}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini", Timeout: "5s"})
	got, err := c.Sample(context.Background(), maker.Task{
		System:      "Return only valid JSON.",
		Prompt:      "verify this claim",
		Temperature: 0.1,
		MaxTokens:   800,
	})
	if err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if got != `{"v":1}` {
		t.Errorf("Sample = %q, want trimmed JSON", got)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("Path = %q", gotPath)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Role != "user" {
		t.Errorf("Messages = %+v, want system then user", gotReq.Messages)
	}
	if gotReq.Model != "gpt-4o-mini" || gotReq.MaxTokens != 800 || gotReq.Temperature != 0.1 {
		t.Errorf("Request params = %+v", gotReq)
	}
}

func TestModelHintOverridesConfiguredModel(t *testing.T) {
	var gotReq OpenAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"})
	if _, err := c.Sample(context.Background(), maker.Task{Prompt: "p", ModelHint: "gpt-4o"}); err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if gotReq.Model != "gpt-4o" {
		t.Errorf("Model = %q, want hint to win", gotReq.Model)
	}
}

func TestSystemOmittedWhenEmpty(t *testing.T) {
	var gotReq OpenAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if _, err := c.Sample(context.Background(), maker.Task{Prompt: "p"}); err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v, want single user message", gotReq.Messages)
	}
}

func TestRetryOn429ThenSuccess(t *testing.T) {
	stubBackoff(t)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"recovered"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL})
	got, err := c.Sample(context.Background(), maker.Task{Prompt: "p"})
	if err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if got != "recovered" {
		t.Errorf("Sample = %q", got)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Server saw %d calls, want 2", n)
	}
}

func TestServerErrorRetries(t *testing.T) {
	stubBackoff(t)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream flake", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if _, err := c.Sample(context.Background(), maker.Task{Prompt: "p"}); err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Server saw %d calls, want 2", n)
	}
}

func TestQuotaKindAfterExhaustion(t *testing.T) {
	stubBackoff(t)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := c.Sample(context.Background(), maker.Task{Prompt: "p"})
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if kind := faults.KindOf(err); kind != faults.KindQuotaExceeded {
		t.Errorf("KindOf = %v, want quota_exceeded", kind)
	}
	if !faults.IsRetryable(err) {
		t.Error("Quota exhaustion should stay retryable for callers")
	}
	if n := atomic.LoadInt32(&calls); n != int32(maxRetries+1) {
		t.Errorf("Server saw %d calls, want %d", n, maxRetries+1)
	}
}

func TestBadRequestDoesNotRetry(t *testing.T) {
	stubBackoff(t)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := c.Sample(context.Background(), maker.Task{Prompt: "p"})
	if err == nil {
		t.Fatal("Expected error for 400")
	}
	if kind := faults.KindOf(err); kind != faults.KindPermanentIO {
		t.Errorf("KindOf = %v, want permanent_io", kind)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Server saw %d calls, want 1 (no retry on 4xx)", n)
	}
}

func TestNoAPIKey(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{BaseURL: srv.URL})
	_, err := c.Sample(context.Background(), maker.Task{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "API key not configured") {
		t.Fatalf("Expected missing-key error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("Server should not be contacted without a key")
	}
}

func TestSampleCancelledContext(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := c.Sample(ctx, maker.Task{Prompt: "p"})
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
	if !faults.Is(err, faults.KindCancelled) {
		t.Errorf("KindOf = %v, want cancelled", faults.KindOf(err))
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("Server should not be contacted after cancellation")
	}
}

func TestClaudeSample(t *testing.T) {
	var gotReq ClaudeRequest
	var gotKey, gotVersion, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		fmt.Fprint(w, `{"content":[{"type":"text","text":"{\"a\":"},{"type":"text","text":"1}"}],"usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	c := NewClaudeClient(config.LLMConfig{APIKey: "sk-ant", BaseURL: srv.URL})
	got, err := c.Sample(context.Background(), maker.Task{System: "fact-check", Prompt: "claim"})
	if err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if got != `{"a":1}` {
		t.Errorf("Sample = %q, want concatenated text blocks", got)
	}
	if gotKey != "sk-ant" || gotVersion != "2023-06-01" {
		t.Errorf("Headers = key %q version %q", gotKey, gotVersion)
	}
	if gotPath != "/messages" {
		t.Errorf("Path = %q", gotPath)
	}
	if gotReq.System != "fact-check" {
		t.Errorf("System = %q", gotReq.System)
	}
	if gotReq.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want default %d", gotReq.MaxTokens, defaultMaxTokens)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("Messages = %+v", gotReq.Messages)
	}
}

func TestGeminiSample(t *testing.T) {
	var gotReq GeminiRequest
	var gotPath, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"{\"ok\":"},{"text":"true}"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":17}}`)
	}))
	defer srv.Close()

	c := NewGeminiClient(config.LLMConfig{APIKey: "g-key", BaseURL: srv.URL})
	got, err := c.Sample(context.Background(), maker.Task{System: "sys", Prompt: "question", MaxTokens: 200})
	if err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if got != `{"ok":true}` {
		t.Errorf("Sample = %q", got)
	}
	if gotPath != "/models/gemini-2.0-flash:generateContent" {
		t.Errorf("Path = %q", gotPath)
	}
	if gotKey != "g-key" {
		t.Errorf("key query = %q", gotKey)
	}
	if gotReq.SystemInstruction == nil || len(gotReq.SystemInstruction.Parts) != 1 || gotReq.SystemInstruction.Parts[0].Text != "sys" {
		t.Errorf("SystemInstruction = %+v", gotReq.SystemInstruction)
	}
	if len(gotReq.Contents) != 1 || gotReq.Contents[0].Role != "user" {
		t.Errorf("Contents = %+v", gotReq.Contents)
	}
	if gotReq.GenerationConfig.MaxOutputTokens != 200 {
		t.Errorf("MaxOutputTokens = %d", gotReq.GenerationConfig.MaxOutputTokens)
	}
}

func TestOllamaSample(t *testing.T) {
	var gotReq OllamaRequest
	var gotAuth, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		fmt.Fprint(w, `{"model":"llama3.2","message":{"role":"assistant","content":"local answer"},"done":true,"prompt_eval_count":3,"eval_count":7}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(config.LLMConfig{BaseURL: srv.URL})
	got, err := c.Sample(context.Background(), maker.Task{Prompt: "p", Temperature: 0.3, MaxTokens: 128})
	if err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if got != "local answer" {
		t.Errorf("Sample = %q", got)
	}
	if gotAuth != "" {
		t.Error("Ollama request should carry no Authorization header")
	}
	if gotPath != "/api/chat" {
		t.Errorf("Path = %q", gotPath)
	}
	if gotReq.Stream {
		t.Error("Stream should be false")
	}
	if gotReq.Options == nil || gotReq.Options.NumPredict != 128 || gotReq.Options.Temperature != 0.3 {
		t.Errorf("Options = %+v", gotReq.Options)
	}
}

func TestAPIErrorBodyIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"message":"model overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL})
	_, err := c.Sample(context.Background(), maker.Task{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("Expected API error body in message, got %v", err)
	}
}
