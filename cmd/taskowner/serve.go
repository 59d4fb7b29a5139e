package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/taskowner/internal/api"
	"github.com/kalambet/taskowner/internal/config"
	"github.com/kalambet/taskowner/internal/jobs"
	"github.com/kalambet/taskowner/internal/storage"
)

const (
	jobPollInterval   = 500 * time.Millisecond
	expiryInterval    = time.Hour
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server, job worker and background loops (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	fmt.Fprintf(os.Stderr, "taskowner version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireServeSecrets(); err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	a, err := newApp(cfg, store)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	// Chat replies run after the request returns; they stop with the server
	// and are drained before the store closes.
	bg := api.NewBackground(gctx)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(a.apiDeps(bg)),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	oc := cfg.Orchestration
	worker := jobs.NewWorker(store, a.orch.JobHandlers(), jobPollInterval)

	g.Go(func() error {
		slog.Info("taskowner listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.followUps.Run(gctx, oc.FollowUpPollInterval)
		return nil
	})
	g.Go(func() error {
		a.orch.RunCompletionPoller(gctx, oc.CompletionPollInterval)
		return nil
	})
	g.Go(func() error {
		a.convs.RunExpiry(gctx, a.tenantIDs, oc.ContextTTL, expiryInterval)
		return nil
	})

	err = g.Wait()
	bg.Wait()
	return err
}
