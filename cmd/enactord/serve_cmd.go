package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/config"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "listen address (overrides ENACTOR_ADDR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	policy, err := loadPolicy(cfg)
	if err != nil {
		slog.Error("policy", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, policy); err != nil {
		slog.Error("coordinator stopped", "error", err)
		return 1
	}
	return 0
}

// serve runs the coordinator until ctx ends.
func serve(ctx context.Context, cfg *config.Config, policy *config.Policy) error {
	n, err := buildNode(ctx, cfg, policy)
	if err != nil {
		return err
	}
	shutdownCtx := context.WithoutCancel(ctx)
	defer n.close(shutdownCtx)

	t, err := n.pipeline.Start(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	_, holder, primary := n.pipeline.Epoch()
	slog.Info("coordinator started",
		"domain", cfg.Domain, "epoch", t.Epoch, "holder", holder, "primary", primary,
		"domains", policy.DomainIDs(), "lite_mode", cfg.LiteMode())

	go n.annotator.Run(ctx)
	go n.pipeline.RunHeartbeats(ctx, n.heartbeatInterval(), n.peers.SendHeartbeat)
	go n.pipeline.RunRefresh(ctx, n.heartbeatInterval())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           n.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	sctx, cancel := context.WithTimeout(shutdownCtx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
