package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

type updateRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// NewUpdateHandler returns an http.HandlerFunc that applies a single
// key/value write to the store, for the POST /config endpoint.
func NewUpdateHandler(log *slog.Logger, store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		var req updateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, fmt.Sprintf("malformed config update: %v", err), http.StatusBadRequest)
			return
		}
		if req.Key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}

		if err := store.Set(req.Key, req.Value); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		log.Info("config: key updated", "key", req.Key)

		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusResponse{Status: "ok"}); err != nil {
			http.Error(w, fmt.Sprintf("error generating response: %v", err), http.StatusInternalServerError)
		}
	}
}
