package api

import (
	"net/http"

	"relay/internal/logging"
	"relay/internal/metrics"
)

// RegisterRoutes wires every HTTP endpoint onto the mux. The websocket log
// stream bypasses the JSON error middleware because upgrades write their own
// failure responses.
func RegisterRoutes(mux *http.ServeMux, service Service, authToken string, logger *logging.Logger, registry *metrics.Registry) {
	rest := &RestHandler{
		Service:  service,
		Logger:   logger,
		Registry: registry,
	}

	wrap := func(handler apiHandler) http.Handler {
		return loggingMiddleware(logger, jsonErrorMiddleware(authMiddleware(authToken, handler)))
	}

	mux.Handle("POST /api/turns", wrap(rest.handleStartTurn))
	mux.Handle("POST /api/turns/abort", wrap(rest.handleAbort))
	mux.Handle("POST /api/sessions/reset", wrap(rest.handleResetSession))
	mux.Handle("POST /api/permissions", wrap(rest.handlePermission))
	mux.Handle("POST /api/forks", wrap(rest.handleFork))
	mux.Handle("GET /api/forks", wrap(rest.handleListForks))
	mux.Handle("GET /api/logs", wrap(rest.handleLogs))
	mux.Handle("GET /api/health", wrap(rest.handleHealth))
	mux.Handle("GET /api/metrics", wrap(rest.handleMetrics))
	mux.Handle("/ws/logs", &LogsStreamHandler{
		Logger:    logger,
		AuthToken: authToken,
	})
	mux.Handle("/api/", http.NotFoundHandler())
}
