package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/consultwire/consult-backend/backend/auth"
	"github.com/consultwire/consult-backend/backend/hub"
	httpServer "github.com/consultwire/consult-backend/backend/server/http"
	websocketServer "github.com/consultwire/consult-backend/backend/server/websocket"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr  = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr   = fs.StringP("ws-listen-addr", "w", ":8888", "websocket messaging listen address")
		logLevel       = fs.StringP("log-level", "l", "debug", "log level")
		allowedOrigins = fs.StringArrayP("allowed-origin", "o", nil, "allowed upgrade origin, repeatable ('*' allows all)")
		jwtSecret      = fs.String("jwt-secret", "", "HMAC secret for bearer token verification")
		jwtIssuer      = fs.String("jwt-issuer", "", "expected token issuer, empty disables the check")
		sendQueueSize  = fs.Int("send-queue-size", 0, "per-connection outbound queue size")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	if *jwtSecret == "" {
		logger.Fatal().Msg("jwt-secret is required")
	}

	messagingHub := hub.New(hub.Config{
		Logger:        &logger,
		SendQueueSize: *sendQueueSize,
	})
	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Status:     messagingHub,
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Hub:        messagingHub,
		Verifier:   auth.NewJWTVerifier(*jwtSecret, *jwtIssuer),
		Origins:    websocketServer.NewOriginPolicy(*allowedOrigins, &logger),
		ListenAddr: *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		messagingHub.Run(ctx)
	}()
	go apiSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
