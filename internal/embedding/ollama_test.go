package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestOllamaEmbed(t *testing.T) {
	var gotReq ollamaEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("Path = %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		fmt.Fprint(w, `{"embedding":[0.1,0.2,0.3]}`)
	}))
	defer srv.Close()

	engine, err := NewOllamaEngine(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("NewOllamaEngine returned error: %v", err)
	}

	vec, err := engine.Embed(context.Background(), "hello corpus")
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("Embed returned %d dims, want 3", len(vec))
	}
	if gotReq.Model != "nomic-embed-text" || gotReq.Prompt != "hello corpus" {
		t.Errorf("Request = %+v", gotReq)
	}
}

func TestOllamaEmbedBatchSequential(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"embedding":[0.5]}`)
	}))
	defer srv.Close()

	engine, _ := NewOllamaEngine(srv.URL, "")
	vecs, err := engine.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch returned error: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("EmbedBatch returned %d vectors, want 3", len(vecs))
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("Server saw %d calls, want 3 (one per text)", n)
	}
}

func TestOllamaEmbedServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	engine, _ := NewOllamaEngine(srv.URL, "")
	if _, err := engine.Embed(context.Background(), "x"); err == nil {
		t.Error("Expected error for non-200 response")
	}
}

func TestOllamaHealthCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("Path = %q", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	engine, _ := NewOllamaEngine(srv.URL, "")
	if err := engine.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck on healthy server returned %v", err)
	}

	healthy = false
	if err := engine.HealthCheck(context.Background()); err == nil {
		t.Error("Expected error from unhealthy server")
	}
}
