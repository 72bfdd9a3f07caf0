// Package http serves the small operational API next to the websocket
// endpoint: liveness and connection/session counters.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// StatusProvider reports live hub counters.
type StatusProvider interface {
	ConnectedUsers() int
	RoomParticipants(sessionID string) int
}

type StatusResponse struct {
	ConnectedUsers int `json:"connected_users"`
}

type SessionResponse struct {
	SessionID    string `json:"session_id"`
	Participants int    `json:"participants"`
}

type Server struct {
	logger zerolog.Logger
	status StatusProvider
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Status     StatusProvider
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		status: cfg.Status,
	}

	r := chi.NewRouter()
	r.Get("/healthz", srv.health)
	r.Get("/api/status", srv.hubStatus)
	r.Get("/api/sessions/{sessionID}", srv.sessionStatus)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

// Handler exposes the underlying router, mainly for tests.
func (srv *Server) Handler() http.Handler {
	return srv.Server.Handler
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) hubStatus(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, StatusResponse{
		ConnectedUsers: srv.status.ConnectedUsers(),
	})
}

func (srv *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	srv.writeJSON(w, http.StatusOK, SessionResponse{
		SessionID:    sessionID,
		Participants: srv.status.RoomParticipants(sessionID),
	})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
