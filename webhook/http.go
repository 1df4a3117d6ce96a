package webhook

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/revoagent/fabric/core"
)

// Routes exposes the ingress surface: one POST endpoint per
// integration, GitHub-style signatures in the configured header.
func (m *Manager) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/webhooks/{integration}", m.handleDelivery)
	return r
}

func (m *Manager) handleDelivery(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "integration")

	m.mu.RLock()
	cfg, known := m.configs[eventType]
	m.mu.RUnlock()
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown integration"})
		return
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must be a JSON object"})
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	source := r.Header.Get("User-Agent")
	if source == "" {
		source = r.RemoteAddr
	}

	id, err := m.Receive(r.Context(), eventType, source, headers, payload, r.Header.Get(cfg.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidSignature):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		case errors.Is(err, core.ErrQueueFull):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue full"})
		case errors.Is(err, core.ErrUnknownEventType):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown event type"})
		default:
			m.logger.Error("Delivery handling failed", map[string]interface{}{"error": err.Error()})
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": id})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
