package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sentra-hq/sentra/internal/metrics"
	"github.com/sentra-hq/sentra/internal/registry"
	"go.uber.org/zap"
)

// errorResp is the uniform error body for JSON endpoints.
type errorResp struct {
	Detail string `json:"detail"`
}

// NewRouter builds the HTTP mux: websocket endpoint, the supervisor
// alert API, health check, and the metrics scrape endpoint.
func (h *Hub) NewRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", h.ServeWS)

	mux.HandleFunc("GET /api/alerts", h.handleListAlerts)
	mux.HandleFunc("POST /api/alerts/{operator_id}/handle", h.handleMarkHandled)
	mux.HandleFunc("GET /api/agents", h.handleListAgents)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return requestLogging(mux, h.logger)
}

// handleListAlerts implements GET /api/alerts: the ranked open alert
// list, recomputed on every request.
func (h *Hub) handleListAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": h.alerts.Ranked(),
	})
}

// handleMarkHandled implements POST /api/alerts/{operator_id}/handle.
func (h *Hub) handleMarkHandled(w http.ResponseWriter, r *http.Request) {
	operatorID := r.PathValue("operator_id")
	if operatorID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Detail: "operator_id is required"})
		return
	}
	h.alerts.MarkHandled(operatorID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "handled"})
}

// handleListAgents implements GET /api/agents?dept=: a point-in-time
// snapshot of online operators visible to a scope. Defaults to the
// super-scope.
func (h *Hub) handleListAgents(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("dept")
	if scope == "" {
		scope = registry.SuperScope
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"onlineAgents": h.registry.OnlineOperators(scope),
		"deptFilter":   scope,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogging logs each HTTP request with method, path, and latency.
// Websocket upgrades are skipped; they are logged by the hub itself.
func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}
