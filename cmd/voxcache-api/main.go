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

	"github.com/Sternrassler/voxcache/pkg/config"
	"github.com/Sternrassler/voxcache/pkg/logging"
	"github.com/Sternrassler/voxcache/pkg/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type overrides struct {
	listen   string
	logLevel string
	pretty   bool
}

func newRootCmd() *cobra.Command {
	var o overrides

	cmd := &cobra.Command{
		Use:          "voxcache-api",
		Short:        "Dashboard API with a two-tier response cache",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVar(&o.listen, "listen", "", "listen address (overrides LISTEN_ADDR)")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	cmd.PersistentFlags().BoolVar(&o.pretty, "pretty", false, "human readable logs (overrides LOG_PRETTY)")

	cmd.AddCommand(newConfigCmd(&o))
	return cmd
}

func newConfigCmd(o *overrides) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *o)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listen:            %s\n", cfg.ListenAddr)
			fmt.Fprintf(out, "redis:             %s\n", cfg.RedisURL)
			fmt.Fprintf(out, "key prefix:        %s\n", cfg.KeyPrefix)
			fmt.Fprintf(out, "memory ttl:        %s\n", cfg.MemoryTTL)
			fmt.Fprintf(out, "default ttl:       %s\n", cfg.DefaultTTL)
			fmt.Fprintf(out, "namespace ttls:    %s\n", cfg.NamespaceTTLs)
			fmt.Fprintf(out, "local max entries: %d\n", cfg.LocalMaxEntries)
			fmt.Fprintf(out, "local max bytes:   %s\n", cfg.LocalMaxBytes)
			fmt.Fprintf(out, "stale threshold:   %s\n", cfg.StaleThreshold)
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command, o overrides) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddr = o.listen
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("pretty") {
		cfg.LogPretty = o.pretty
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.LogLevel),
		Pretty:  cfg.LogPretty,
		Output:  os.Stderr,
		Service: "voxcache-api",
	})
	logger := logging.NewLogger(logging.ComponentAPI)

	st, err := store.NewRedisStore(store.RedisOptions{
		URL:         cfg.RedisURL,
		OpTimeout:   cfg.StoreOpTimeout,
		DialTimeout: 2 * time.Second,
		ScanCount:   100,
		Backoff: store.BackoffConfig{
			Step:       100 * time.Millisecond,
			MaxDelay:   3 * time.Second,
			MaxRetries: cfg.StoreMaxRetries,
		},
		Logger: logging.NewLogger(logging.ComponentStore),
	})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}

	a, err := newApp(cfg, st, log.Logger)
	if err != nil {
		return err
	}

	if err := a.facade.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Shared cache unavailable at startup, serving from local tiers while reconnecting")
	}
	if _, err := a.warm(ctx); err != nil {
		logger.Warn().Err(err).Msg("Cache warm aborted")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("Starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := a.close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Cache shutdown failed")
		return err
	}
	logger.Info().Msg("Server stopped")
	return nil
}
