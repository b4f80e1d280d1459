package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"shepherd/internal/app"
	"shepherd/internal/dispatcher"
	"shepherd/internal/engine"
	"shepherd/internal/engine/auth"
	"shepherd/internal/metrics"
	"shepherd/internal/provider"
	"shepherd/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		addr, basePath   string
		allowActorHeader bool
		workers          bool
		grace            time.Duration
		archiveEvery     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, workers and archive sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowActorHeader {
				return fmt.Errorf("SHEPHERD_JWT_SECRET is required unless --allow-actor-header is set")
			}
			return withRuntime(cmd.Context(), true, func(ctx context.Context, rt *app.Runtime) error {
				logger := rt.Engine.Logger
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, AllowActorHeader: allowActorHeader, Logger: logger},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					logger.Info("serving API", slog.String("addr", addr), slog.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if workers {
					pool := dispatcher.NewPool(dispatcher.NewExecutor(rt.Engine, provider.NewMemory()), rt.Config.Worker, logger)
					g.Go(func() error { return pool.Run(gctx, grace) })
				}
				if archiveEvery > 0 {
					g.Go(func() error { return archiveLoop(gctx, rt.Engine, archiveEvery) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().BoolVar(&workers, "workers", true, "run the dispatcher in this process")
	cmd.Flags().DurationVar(&grace, "grace", 30*time.Second, "shutdown grace period")
	cmd.Flags().DurationVar(&archiveEvery, "archive-every", time.Hour, "archive sweep interval (0 disables)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func workerCmd() *cobra.Command {
	var (
		metricsAddr string
		grace       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), false, func(ctx context.Context, rt *app.Runtime) error {
				logger := rt.Engine.Logger
				pool := dispatcher.NewPool(dispatcher.NewExecutor(rt.Engine, provider.NewMemory()), rt.Config.Worker, logger)
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return pool.Run(gctx, grace) })
				if metricsAddr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Handler())
					srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
					g.Go(func() error {
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							return err
						}
						return nil
					})
					g.Go(func() error {
						<-gctx.Done()
						return srv.Close()
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
	cmd.Flags().DurationVar(&grace, "grace", 30*time.Second, "shutdown grace period")
	return cmd
}

// archiveLoop runs the retention sweep until ctx is cancelled.
func archiveLoop(ctx context.Context, e engine.Engine, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	sweeper := auth.System("archiver")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := e.ArchiveSweep(ctx, sweeper, 0)
			if err != nil {
				e.Logger.Error("archive sweep", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				e.Logger.Info("archived events", slog.Int64("count", n))
			}
		}
	}
}
