// Package server implements the HTTP and websocket surface using Echo.
//
// Routes: websocket channel endpoints (/ws/publish, /ws/join/:sessionId),
// the pipeline diagnostics API (/api/sessions/:id/languages), health probes
// and Prometheus metrics. Handlers split by concern: handlers_ws.go,
// handlers_api.go, handlers_health.go.
package server
