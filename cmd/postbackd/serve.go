package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/postback/internal/api"
	"github.com/gyaneshwarpardhi/postback/internal/config"
	"github.com/gyaneshwarpardhi/postback/internal/filter"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the postback HTTP server",
		Long: `Run the postback HTTP server.

Examples:
  postbackd serve
  postbackd serve --config configs/postback.yaml --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config and PORT)")
	return cmd
}

func runServe(addrFlag string) error {
	loader, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Config()
	addr := cfg.Server.Addr
	if addrFlag != "" {
		addr = addrFlag
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, backend, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := config.Validate(newCfg); err != nil {
			slog.Warn("hot-reload skipped: config invalid", "err", err)
			return
		}
		f, err := filter.Build(newCfg.Filters)
		if err != nil {
			slog.Warn("hot-reload skipped: filter build failed", "err", err)
			return
		}
		eng.SwapFilter(f)
		slog.Info("filters hot-reloaded", "rules", f.RuleCount())
	})
	if cfgPath != "" {
		stopWatch, err := loader.Watch()
		if err != nil {
			slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.New(ctx, eng, loader),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		slog.Info("postback server listening", "addr", addr, "path", api.PostbackPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var serveErr error
	select {
	case <-quit:
		slog.Info("shutting down")
	case serveErr = <-errC:
		slog.Error("server error", "err", serveErr)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	eng.Shutdown()
	cancel()
	if err := backend.Close(shutCtx); err != nil {
		slog.Warn("store close", "err", err)
	}
	slog.Info("goodbye")
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}
