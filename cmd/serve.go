package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"lexsync/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue processor and the admin HTTP API",
	Long: `Start the polling queue processor and the HTTP server with the admin
actions, the order webhook, /metrics and /healthz.

The processor handles one queue item per QUEUE_POLL_INTERVAL. The admin API
requires ADMIN_TOKEN as bearer token; webhook bodies are verified against
WEBHOOK_SECRET when set.`,
	Example: `  # Serve with defaults from .env
  lexsync serve

  # Serve on a different address
  lexsync serve --addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Listen address (default: ADMIN_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.AdminAddr
	}
	if cfg.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN is not set, admin actions are disabled")
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.adminServer(ctx).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		errCh <- a.processor.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Component failed, shutting down")
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
