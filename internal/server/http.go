package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/outpost/internal/agent"
	"github.com/ChuLiYu/outpost/internal/metrics"
)

// StateFunc 回傳 /state 的內容
type StateFunc func(ctx context.Context) (any, error)

// NewHTTPHandler /state、/health 與 /metrics
//
// 恢復中 /state 回 503，不回傳過期的資料。
func NewHTTPHandler(state StateFunc, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if state != nil {
		mux.HandleFunc("GET /state", func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			defer cancel()

			view, err := state(ctx)
			switch {
			case errors.Is(err, agent.ErrRecovering):
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent is recovering"})
			case err != nil:
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			default:
				writeJSON(w, http.StatusOK, view)
			}
		})
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("failed to write response", "error", err)
	}
}
