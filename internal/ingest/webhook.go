package ingest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

const maxPayloadBytes = 1 << 20

// WebhookHandler serves POST /alarm-webhook.
func (g *Ingestor) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		result := g.Handle(r.Context(), payload)

		code := http.StatusOK
		if result.Status == "error" {
			code = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Warn().Err(err).Msg("Failed to write webhook response")
		}
	})
}
