// Package webhook is the process's inbound HTTP service: health checks,
// a banner and the Prometheus endpoint, served through a bounded worker pool.
package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/user/fantombot/internal/metrics"
)

// Server routes the HTTP endpoints.
type Server struct {
	name    string
	version string
	mux     *http.ServeMux
}

// NewServer creates the route table. m may be nil, in which case /metrics
// answers 404.
func NewServer(name, version string, m *metrics.Collector) *Server {
	s := &Server{
		name:    name,
		version: version,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", m.Handler())
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": s.name,
		"version": s.version,
		"status":  "running",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
