package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/postback/internal/config"
	"github.com/gyaneshwarpardhi/postback/internal/engine"
	"github.com/gyaneshwarpardhi/postback/internal/filter"
	"github.com/gyaneshwarpardhi/postback/internal/publish"
	"github.com/gyaneshwarpardhi/postback/internal/status"
	"github.com/gyaneshwarpardhi/postback/internal/store"
)

var Version = "dev"

var (
	cfgPath  string
	envFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "postbackd",
		Short:   "Affiliate postback receiver and trader status reconciler",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel)
			return config.LoadDotEnv(envFile)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config (empty: environment only)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(benchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

// loadConfig reads and validates the config.
func loadConfig() (*config.Loader, error) {
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(loader.Config()); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return loader, nil
}

// buildEngine opens the store and publisher and wires the engine. Closing the
// store is the caller's job; Engine.Shutdown closes the publisher.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, store.Backend, error) {
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	backend, err := store.Open(openCtx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	slog.Info("store connected", "backend", cfg.Store.Backend)

	f, err := filter.Build(cfg.Filters)
	if err != nil {
		_ = backend.Close(ctx)
		return nil, nil, err
	}

	var pub publish.Publisher = publish.Noop{}
	if cfg.Forward.Enabled {
		k, err := publish.NewKafka(cfg.Forward.Brokers, cfg.Forward.Topic)
		if err != nil {
			_ = backend.Close(ctx)
			return nil, nil, err
		}
		pub = k
		slog.Info("forwarding outcomes", "brokers", cfg.Forward.Brokers, "topic", cfg.Forward.Topic)
	}

	eng, err := engine.New(ctx, backend, engine.Options{
		Filter:    f,
		Publisher: pub,
		Retry: status.RetryPolicy{
			MaxAttempts:     uint(cfg.Store.CASMaxAttempts),
			InitialInterval: time.Duration(cfg.Store.CASInitialBackoffMs) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Store.CASMaxBackoffMs) * time.Millisecond,
		},
		StoreTimeout:    time.Duration(cfg.Store.TimeoutMs) * time.Millisecond,
		ForwardWorkers:  cfg.Forward.Workers,
		ForwardQueue:    cfg.Forward.QueueDepth,
		DeliveryTimeout: time.Duration(cfg.Forward.DeliveryTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		pub.Close()
		_ = backend.Close(ctx)
		return nil, nil, err
	}
	slog.Info("engine ready", "rules", f.RuleCount(), "affiliates", len(cfg.Filters.Affiliates), "campaigns", len(cfg.Filters.Campaigns))
	return eng, backend, nil
}
