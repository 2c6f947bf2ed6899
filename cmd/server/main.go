// Opsgate is the operation journal and approval hub. One binary serves the
// command API, the chat surface and the MCP gateway, keeps the journal
// durable and runs the retention janitor in the background.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opsgate/opsgate/pkg/server"
)

const shutdownGrace = 15 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("🚪 Opsgate starting...")

	srv, err := server.New(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	if err := run(srv); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// run serves HTTP until the process is signalled, then drains in-flight
// requests and releases the journal.
func run(srv *server.Server) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	log.Info().
		Int("port", srv.Port).
		Str("version", srv.Config.Version).
		Msg("🔥 Opsgate is up, journal open")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("🛑 Shutting down gracefully...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP drain incomplete")
	}
	if err := srv.ShutdownFunc(ctx); err != nil {
		log.Warn().Err(err).Msg("Background shutdown incomplete")
	}
	return srv.Store.Close()
}
