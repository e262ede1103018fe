package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgallion1/docdraft/internal/api"
	"github.com/dgallion1/docdraft/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	queue := pipeline.NewQueue(a.pipeline, cfg.WorkerCount, cfg.MaxQueueSize, cfg.JobTTL, log)
	queue.Start(ctx)

	deps := api.Deps{
		Store:      a.store,
		Queue:      queue,
		Objects:    a.objects,
		Broker:     a.broker,
		Retriever:  a.librarian,
		Claude:     a.claude,
		AgentStats: a.agentStats,
	}
	// Typed nils would defeat the handlers' nil checks.
	if a.orch != nil {
		deps.Runner = a.orch
	}
	if a.assembly != nil {
		deps.Assembler = a.assembly
	}
	srv := api.NewServer(deps, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // runs are synchronous and may chain several agent calls
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting docdraft", "port", cfg.Port, "database", a.store.Path(), "agents", a.orch != nil, "field_extraction", a.claude != nil)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			queue.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down...")

	// Event streams hold connections open; close them before draining.
	a.broker.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	queue.Stop()
	return nil
}
