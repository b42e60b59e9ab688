package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/websoft9/sshgateway/internal/store"
)

type healthResponse struct {
	Status string `json:"status"`
}

// Health is a liveness probe: the process is running and able to answer.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
}

// Ready probes the Store by round-tripping a throwaway key, so "ready"
// actually means the persistence dependency answers, not just that the
// process booted.
func Ready(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if _, err := st.GetJSON(ctx, "healthz/probe", &map[string]any{}); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(healthResponse{Status: "store unavailable: " + err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{Status: "ready"})
	}
}
