package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/auth"
	httpapi "github.com/mistakeknot/interlock/internal/http"
	"github.com/mistakeknot/interlock/internal/monitor"
	"github.com/mistakeknot/interlock/internal/server"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
	"github.com/mistakeknot/interlock/internal/telemetry"
	"github.com/mistakeknot/interlock/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		Long:  "Serve the HTTP and WebSocket API over the local store. When monitor.sessions is configured the session monitor runs in-process and pushes state changes to connected agents.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if v, _ := cmd.Flags().GetString("addr"); v != "" {
				cfg.Server.Addr = v
			}
			if v, _ := cmd.Flags().GetString("keys-file"); v != "" {
				cfg.Server.KeysFile = v
			}
			socket, _ := cmd.Flags().GetString("socket")
			noMonitor, _ := cmd.Flags().GetBool("no-monitor")

			logger := telemetry.NewLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
			slog.SetDefault(logger)

			ctx := cmd.Context()
			provider, err := telemetry.Init(ctx, cfg.Telemetry)
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("telemetry: %w", err))
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := provider.Shutdown(sctx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()
			metrics, err := telemetry.NewMetrics(provider.Meter)
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("metrics: %w", err))
			}

			store, err := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("store init failed: %w", err))
			}
			defer store.Close()

			keyring, err := auth.LoadKeyring(cfg.Server.KeysFile)
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("auth init failed: %w", err))
			}

			hub := ws.NewHub()
			trk := deps.tracker(cfg)
			sup := deps.supervisor(cfg)
			svc := httpapi.NewService(sqlite.NewResilient(store)).
				WithBroadcaster(hub).
				WithLogger(telemetry.Component(logger, "http")).
				WithTelemetry(provider, metrics).
				WithSupervisor(sup).
				WithClock(deps.now)
			if trk != nil {
				svc.WithTracker(trk)
			}
			router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(keyring))

			srv, err := server.New(server.Config{
				Addr:       cfg.Server.Addr,
				SocketPath: socket,
				Handler:    router,
				Logger:     logger,
			})
			if err != nil {
				return writeCommandError(cmd, fmt.Errorf("server init failed: %w", err))
			}

			if cfg.Janitor.Interval > 0 {
				sweeper := sqlite.NewSweeper(store, hub, cfg.Janitor.Interval)
				sweeper.Start(ctx)
				defer sweeper.Stop()
			}

			watches, _ := watchesFrom(cfg, nil, "")
			if len(watches) > 0 && !noMonitor {
				m := monitor.New(monitor.Config{
					Watches:    watches,
					Interval:   cfg.Monitor.Interval,
					Supervisor: sup,
					Tracker:    trk,
					Bus:        hub,
					Logger:     logger,
					Metrics:    metrics,
					Tracer:     provider.Tracer,
					Now:        deps.now,
				})
				if err := m.Start(ctx); err != nil {
					_ = srv.Shutdown(context.Background())
					return writeCommandError(cmd, err)
				}
				defer m.Stop()
			}

			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()

			select {
			case err := <-errc:
				if err != nil {
					return writeCommandError(cmd, fmt.Errorf("server failed: %w", err))
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("shutdown", "error", err)
			}
			return <-errc
		},
	}
	cmd.Flags().String("addr", "", "listen address (default server.addr)")
	cmd.Flags().String("socket", "", "also serve on this unix socket")
	cmd.Flags().String("keys-file", "", "API keys file (default server.keys_file)")
	cmd.Flags().Bool("no-monitor", false, "do not run the session monitor even when sessions are configured")
	return cmd
}
