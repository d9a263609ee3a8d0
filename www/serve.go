package www

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"node.town/babelfish/broadcast"
	"node.town/babelfish/metrics"
	"node.town/babelfish/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
)

type Server struct {
	relay    *relay.Relay
	hub      *broadcast.Hub
	metrics  *metrics.Metrics
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func New(r *relay.Relay, hub *broadcast.Hub, m *metrics.Metrics, logger *log.Logger) *Server {
	return &Server{
		relay:   r,
		hub:     hub,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(g chi.Router) {
		g.Use(middleware.Logger)
		g.Get("/", s.handleRoutes(r))
		g.Get("/api/stats", s.handleStats)
	})

	r.Get("/ws/speaker", s.handleSpeaker)
	r.Get("/ws/listener", s.handleListener)

	return r
}

func (s *Server) handleRoutes(r chi.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var routes []string
		err := chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
			routes = append(routes, method+" "+route)
			return nil
		})
		if err != nil {
			http.Error(w, "Failed to list routes", http.StatusInternalServerError)
			return
		}
		writeJSON(w, routes)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, s.relay.Stats())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Serve listens on port until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// websocket handlers outlive Shutdown, so they watch ctx instead
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
