// Package websocket terminates the upgrade endpoint: it checks the origin,
// verifies the bearer credential, promotes the connection, and hands it to
// the hub for registration.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/consultwire/consult-backend/backend/hub"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize   = 1024
	defaultWebsocketWriteBufferSize  = 1024
	defaultWebSocketHandshakeTimeout = 3 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// TokenVerifier turns a bearer credential into a validated user id.
	TokenVerifier interface {
		Verify(token string) (string, error)
	}

	Config struct {
		Logger     *zerolog.Logger
		Hub        *hub.Hub
		Verifier   TokenVerifier
		Origins    *OriginPolicy
		ListenAddr string
	}

	Server struct {
		hub      *hub.Hub
		verifier TokenVerifier
		ws       *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		hub:      cfg.Hub,
		verifier: cfg.Verifier,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      cfg.Origins.Allow,
		},
	}

	r := chi.NewRouter()
	r.Get("/ws", srv.serveWS)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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

// Handler exposes the underlying router, mainly for tests.
func (srv *Server) Handler() http.Handler {
	return srv.Server.Handler
}

func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		srv.logger.Warn().Str("remote", r.RemoteAddr).Msg("upgrade rejected, no credential")
		writeJSONError(w, http.StatusUnauthorized, "no authentication token provided")
		return
	}

	userID, err := srv.verifier.Verify(token)
	if err != nil {
		srv.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade rejected, authentication failed")
		writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
		return
	}

	wsConn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := hub.NewConnection(uuid.NewString(), userID, wsConn, srv.hub)
	srv.hub.Register(conn)
	go conn.WriteLoop()
	go conn.ReadLoop()

	srv.logger.Debug().
		Str("connID", conn.ID()).
		Str("userID", userID).
		Msg("connection established")
}

// bearerToken pulls the credential from the token query parameter or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token := r.Header.Get("Authorization")
	return strings.TrimPrefix(token, "Bearer ")
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
