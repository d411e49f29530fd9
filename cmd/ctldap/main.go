// Command ctldap serves a read-only LDAP directory backed by the
// ChurchTools REST API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"ctldap/internal/config"
	"ctldap/internal/httpserver"
	"ctldap/internal/ldapserver"
	"ctldap/internal/site"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	switch {
	case cfg.Global.Trace:
		log = log.Level(zerolog.TraceLevel)
	case cfg.Global.Debug:
		log = log.Level(zerolog.DebugLevel)
	default:
		log = log.Level(zerolog.InfoLevel)
	}

	registry, err := site.NewRegistry(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build sites")
	}

	srv, err := ldapserver.New(cfg.Global, registry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build ldap server")
	}

	var ops *http.Server
	if cfg.Global.OpsAddr != "" {
		ops = &http.Server{
			Addr:              cfg.Global.OpsAddr,
			Handler:           httpserver.NewRouter(registry, log),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", ops.Addr).Msg("ops endpoint listening")
			if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("ops endpoint failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("ldap server failed")
		}
	}

	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("stop ldap server")
	}
	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ops.Shutdown(shutdownCtx)
	}
}
