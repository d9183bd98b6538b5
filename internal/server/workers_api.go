package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"dossier/internal/maker"
	"dossier/internal/workers/export"
	"dossier/internal/workers/research"
	"dossier/internal/workers/retrieve"
	"dossier/internal/workers/transform"
	"dossier/internal/workers/verify"
)

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Researcher == nil {
		notConfigured(w, "research worker")
		return
	}
	var req research.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.deps.Researcher.Research(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerifyClaims(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verifier == nil {
		notConfigured(w, "verification worker")
		return
	}
	var req verify.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := s.deps.Verifier.Verify(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFetchData(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retriever == nil {
		notConfigured(w, "data retrieval worker")
		return
	}
	var req retrieve.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.deps.Retriever.Retrieve(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transformer == nil {
		notConfigured(w, "transformation worker")
		return
	}
	var req transform.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.deps.Transformer.Transform(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Exporter == nil {
		notConfigured(w, "export worker")
		return
	}
	var req export.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.deps.Exporter.Export(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// probeMaxChars bounds the chunk excerpt the threshold probe sends to the
// sampler.
const probeMaxChars = 1500

// handleMakerThreshold re-runs consensus over a document's first chunk and
// reports the vote telemetry. An ops debugging aid: it shows how decisively
// the sampler agrees about an extraction without touching the corpus.
func (s *Server) handleMakerThreshold(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		notConfigured(w, "document store")
		return
	}
	if s.deps.Engine == nil {
		notConfigured(w, "consensus engine")
		return
	}
	docID := chi.URLParam(r, "doc_id")

	doc, err := s.deps.Store.GetDocument(docID)
	if err != nil {
		writeError(w, err)
		return
	}
	if doc == nil {
		notFound(w, "unknown document: "+docID)
		return
	}
	chunks, err := s.deps.Store.ChunksByDocument(docID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(chunks) == 0 {
		notFound(w, "document has no chunks: "+docID)
		return
	}

	excerpt := chunks[0].Text
	if len(excerpt) > probeMaxChars {
		excerpt = excerpt[:probeMaxChars]
	}
	task := maker.Task{
		System: "You are a document quality checker. Return only valid JSON.",
		Prompt: "Assess this extracted document excerpt. Return JSON with keys " +
			`"coherent" (bool), "language" (ISO 639-1 code), "topic" (a few words):` +
			"\n\n" + excerpt,
		Temperature: 0.2,
		MaxTokens:   200,
	}

	k := 0
	maxRounds := 0
	if s.cfg != nil {
		k = s.cfg.Maker.K
		maxRounds = s.cfg.Maker.MaxRounds
	}

	res, err := s.deps.Engine.FirstToAheadByK(r.Context(), task, nil, maker.Params{K: k, MaxRounds: maxRounds})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"document_id": docID,
			"converged":   false,
			"error":       err.Error(),
			"k":           k,
			"max_rounds":  maxRounds,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": docID,
		"converged":   true,
		"winner":      res.Value,
		"rounds_used": res.Rounds,
		"votes":       res.Votes,
		"red_flags":   res.RedFlags,
		"k":           k,
		"max_rounds":  maxRounds,
	})
}
