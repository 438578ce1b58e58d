// Package server exposes the operational HTTP surface: health and status
// endpoints, prometheus metrics, and a websocket stream of bus events.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"polyflux/internal/bus"
	"polyflux/internal/net/circuit"
	"polyflux/internal/prediction/model"
)

// PortfolioSource answers the portfolio status endpoint.
type PortfolioSource interface {
	GetPortfolio() model.Portfolio
	SnapshotPositions() []model.Position
}

// AgentSource answers the agent status endpoint.
type AgentSource interface {
	Status() model.AgentStatus
}

// Deps are the observable components the server reads from.
type Deps struct {
	Breakers  *circuit.Registry
	Portfolio PortfolioSource
	Agent     AgentSource
	Events    bus.Bus
	Gatherer  prometheus.Gatherer
}

// Server is the operational HTTP server.
type Server struct {
	addr     string
	deps     Deps
	upgrader websocket.Upgrader
	http     *http.Server
}

func New(addr string, deps Deps) *Server {
	s := &Server{
		addr: addr,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status/circuits", s.handleCircuits).Methods(http.MethodGet)
	r.HandleFunc("/status/portfolio", s.handlePortfolio).Methods(http.MethodGet)
	r.HandleFunc("/status/agent", s.handleAgent).Methods(http.MethodGet)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.HandleFunc("/ws/events", s.handleEvents)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("status server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	summary := s.deps.Breakers.HealthSummary()
	code := http.StatusOK
	if summary.Overall == circuit.OverallCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, summary)
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breakers.AllStatuses())
}

func (s *Server) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Portfolio == nil {
		http.Error(w, "portfolio not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"portfolio": s.deps.Portfolio.GetPortfolio(),
		"positions": s.deps.Portfolio.SnapshotPositions(),
	})
}

func (s *Server) handleAgent(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Agent == nil {
		http.Error(w, "agent not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Agent.Status())
}

// handleEvents streams every bus topic to the websocket client until it
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "event stream not available", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	msgs := make(chan bus.Message, 64)
	var unsubs []func()
	for _, topic := range bus.AllTopics() {
		unsub, err := s.deps.Events.Subscribe(r.Context(), topic, func(_ context.Context, msg bus.Message) error {
			select {
			case msgs <- msg:
			default: // slow client, drop
			}
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("event stream subscribe failed")
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	// reader goroutine detects client close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg := <-msgs:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}
