package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sealdm/internal/relayserver"
)

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if devLog {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	return cfg.Build()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func authenticator() (*relayserver.Authenticator, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}
	return relayserver.NewAuthenticator(secret, envOr("JWT_ISSUER", "sealdm"), 0)
}

func serveCmd() *cobra.Command {
	var addr, publicURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		Long: `Run the relay HTTP server.

Environment:
  RELAY_ADDR    listen address (default :8080)
  DATABASE_URL  PostgreSQL DSN; in-memory storage when unset
  REDIS_URL     Redis address for fan-out; in-process when unset
  JWT_SECRET    HS256 secret for bearer tokens (required)
  JWT_ISSUER    token issuer (default sealdm)
  BLOB_DIR      attachment directory (default ./blobs)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			auth, err := authenticator()
			if err != nil {
				return err
			}

			var backend relayserver.Backend
			if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
				pg, err := relayserver.OpenPostgres(ctx, dsn)
				if err != nil {
					return err
				}
				backend = pg
				log.Info("using postgres backend")
			} else {
				backend = relayserver.NewMemoryBackend()
				log.Warn("DATABASE_URL not set; relay state is in memory")
			}
			defer backend.Close()

			var broker relayserver.Broker
			if redisAddr := os.Getenv("REDIS_URL"); redisAddr != "" {
				rb, err := relayserver.DialRedis(ctx, redisAddr, log)
				if err != nil {
					return err
				}
				broker = rb
				log.Info("using redis broker", zap.String("addr", redisAddr))
			} else {
				broker = relayserver.NewMemoryBroker(log)
			}
			defer broker.Close()

			blobs, err := relayserver.NewBlobStore(envOr("BLOB_DIR", "blobs"))
			if err != nil {
				return err
			}

			if addr == "" {
				addr = envOr("RELAY_ADDR", ":8080")
			}
			srv := relayserver.New(relayserver.Config{PublicURL: publicURL}, backend, broker, blobs, auth, log)
			hs := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() { errc <- hs.ListenAndServe() }()
			log.Info("relay listening", zap.String("addr", addr))

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// Event streams stay open until their clients go away; close
			// the broker first so they end promptly.
			_ = broker.Close()
			return hs.Shutdown(sctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides RELAY_ADDR)")
	cmd.Flags().StringVar(&publicURL, "public-url", os.Getenv("RELAY_PUBLIC_URL"), "external base URL used in blob links")
	return cmd
}
