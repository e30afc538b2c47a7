package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gobeaver/mountkit"
	"github.com/gobeaver/mountkit/internal/config"
	"github.com/gobeaver/mountkit/internal/davfs"
	"github.com/gobeaver/mountkit/internal/httpapi"
	"github.com/gobeaver/mountkit/internal/logging"
	"github.com/gobeaver/mountkit/internal/metrics"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the namespace over HTTP and WebDAV",
		Long: `Serve the configured mounts. Plain HTTP browsing is served at the root,
WebDAV under dav_prefix, Prometheus metrics under metrics_path.

Send SIGHUP to reload the configuration file and swap the mounts without
dropping connections.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func runServe(ctx context.Context, flags *globalFlags) error {
	cfg, err := loadConfig(flags.configPath, flags.mounts)
	if err != nil {
		return err
	}

	if err := logging.Init(loggingConfig(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	defer logging.Sync()
	logger := logging.L()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Cache.CleanupInterval > 0 {
		mountkit.SharedCache().StartCleanup(ctx, cfg.Cache.CleanupInterval)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newHandler(cfg, rt.reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go watchReload(ctx, flags, rt)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("listen", cfg.Listen),
			zap.String("dav_prefix", cfg.DAVPrefix),
			zap.Int("mounts", len(rt.reg.Mounts())),
			zap.String("version", Version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newHandler routes metrics, WebDAV and browsing, wrapped in request logging.
func newHandler(cfg *config.Config, reg *mountkit.Registry, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	if cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, metrics.Handler())
	}
	if cfg.DAVPrefix != "" {
		mux.Handle(cfg.DAVPrefix+"/", metrics.Middleware("webdav", davfs.NewHandler(reg, cfg.DAVPrefix, logger)))
	}
	mux.Handle("/", metrics.Middleware("browse", httpapi.New(reg, logger).Handler()))
	return logging.Middleware(mux)
}

// watchReload reloads the configuration on SIGHUP. A configuration that
// fails to load keeps the current mounts.
func watchReload(ctx context.Context, flags *globalFlags, rt *runtime) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		logger := logging.L()
		cfg, err := loadConfig(flags.configPath, flags.mounts)
		if err != nil {
			logger.Error("reload rejected", zap.Error(err))
			continue
		}
		logging.SetLevel(cfg.Logging.Level)
		if err := rt.reload(ctx, cfg); err != nil {
			logger.Error("reload failed", zap.Error(err))
			continue
		}
		logger.Info("configuration reloaded", zap.Int("mounts", len(rt.reg.Mounts())))
	}
}

func loggingConfig(cfg *config.Config) logging.Config {
	return logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	}
}
