// Package admin implements a read-only observability server: health check,
// Prometheus metrics, a JSON stats snapshot, and a websocket feed of recent
// proxy activity. It runs on its own listener and never touches the proxy's
// request/response bytes.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohsen-ahmadian/httpproxy/pkg/applog"
	"github.com/mohsen-ahmadian/httpproxy/pkg/metrics"
	"github.com/mohsen-ahmadian/httpproxy/pkg/stats"
)

// Server is the admin/observability HTTP server.
type Server struct {
	stats     *stats.Stats
	collector *metrics.Collector
	logger    *applog.Logger
	upgrader  websocket.Upgrader
	router    *mux.Router
}

// New builds an admin Server. logger may be nil, in which case a default
// applog logger is used.
func New(s *stats.Stats, collector *metrics.Collector, logger *applog.Logger) *Server {
	if logger == nil {
		logger = applog.Default()
	}
	srv := &Server{
		stats:     s,
		collector: collector,
		logger:    logger.WithComponent("admin"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler returns the server's http.Handler for use with an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/stats.json", s.handleStatsJSON).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket)
	if s.collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatsJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	events := s.stats.Subscribe()
	defer s.stats.Unsubscribe(events)

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
