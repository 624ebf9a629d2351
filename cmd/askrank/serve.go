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

	"github.com/civicq/askrank/internal/api"
	"github.com/civicq/askrank/internal/config"
	"github.com/civicq/askrank/internal/cron"
	"github.com/civicq/askrank/internal/identity"
	"github.com/civicq/askrank/internal/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ranking service and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required (or set ASKRANK_JWT_SECRET)")
			}
			log := logger.Log

			a, err := newApp(cfg, newEmbedder(cfg.Embedding))
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			if err := a.start(ctx); err != nil {
				return err
			}
			g.Go(a.shards.Wait)
			if err := a.engine.Resume(ctx); err != nil {
				return fmt.Errorf("resume embedding: %w", err)
			}
			g.Go(func() error { return a.worker.Run(ctx) })

			sched, err := cron.New(cfg.Schedule.Timezone, log)
			if err != nil {
				return err
			}
			if err := sched.Add("consolidate", cfg.Schedule.Consolidate, func(ctx context.Context) error {
				_, err := a.engine.Consolidate(ctx)
				return err
			}); err != nil {
				return err
			}
			if err := sched.Add("recompute", cfg.Schedule.Recompute, a.engine.Recompute); err != nil {
				return err
			}
			g.Go(func() error { return sched.Run(ctx) })

			if *configPath != "" {
				g.Go(func() error {
					return config.Watch(ctx, *configPath, log, func(soft config.Soft) {
						a.engine.Reconfigure(ctx, soft)
					})
				})
			}

			tokens := identity.NewTokenVerifier([]byte(cfg.Auth.JWTSecret), a.dir)
			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           api.NewServer(a.engine, tokens, log),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Go(func() error {
				fmt.Printf("askrank listening on %s\n", cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				fmt.Println("shutting down...")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(sctx)
			})

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
