package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/cookiepool/internal/api"
	"github.com/yangwenmai/cookiepool/internal/logger"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cobra.Command {
	var port string
	var noStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the acquisition scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if port != "" {
				cfg.Port = port
			}
			if noStart {
				cfg.AutoStart = false
			}
			log := logger.WithComponent("cli")

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			// Nothing is in flight yet, so every in-progress attempt is left over.
			if n, err := a.tracker.ResetStuck(cmd.Context(), time.Nanosecond); err != nil {
				log.Warn().Err(err).Msg("reset stuck attempts")
			} else if n > 0 {
				log.Info().Int("count", n).Msg("reset attempts left in progress by previous run")
			}

			srv := api.New(a.pool, a.scheduler, a.tracker, api.Options{
				CORSOrigin: cfg.CORSOrigin,
				Logger:     logger.WithComponent("api"),
			})
			httpServer := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			if cfg.AutoStart {
				a.scheduler.Start()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", httpServer.Addr).Msg("cookiepool server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				log.Info().Msg("shutting down")
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http shutdown")
			}
			if err := a.scheduler.Close(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("scheduler did not drain in time")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	cmd.Flags().BoolVar(&noStart, "no-start", false, "do not start the scheduler until POST /api/pool/start")
	return cmd
}
