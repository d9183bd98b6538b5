package server

import (
	"encoding/json"
	"io"
	"net/http"

	"dossier/internal/faults"
	"dossier/internal/logging"
)

// maxBodyBytes bounds request bodies. Ingest requests carry references, not
// content, so nothing legitimate approaches this.
const maxBodyBytes = 10 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServerError("Response encoding failed: %v", err)
	}
}

// writeError maps a fault to its HTTP status and a uniform error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := faults.HTTPStatus(err)
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"kind":  faults.KindOf(err).String(),
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": msg})
}

func notFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": msg})
}

func notConfigured(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"error": what + " is not configured",
	})
}

// decodeBody strictly decodes a JSON request body into v. An empty body is
// allowed and leaves v zeroed, matching how the original tolerated bare
// POSTs on endpoints whose fields all have defaults.
func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return faults.Wrap(faults.KindTransientIO, "server.decode", err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return faults.Errorf(faults.KindPermanentIO, "server.decode", "invalid JSON body: %v", err)
	}
	return nil
}
