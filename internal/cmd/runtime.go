package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gobeaver/mountkit"
	"github.com/gobeaver/mountkit/internal/config"
	"github.com/gobeaver/mountkit/internal/metrics"
	"github.com/gobeaver/mountkit/provider"
	"github.com/gobeaver/mountkit/rangecache"
)

// runtime is a registry built from a configuration, plus the providers it
// owns.
type runtime struct {
	cfg       *config.Config
	deps      provider.Deps
	reg       *mountkit.Registry
	providers []mountkit.Provider
	logger    *zap.Logger
}

// loadConfig reads path and appends the --mount flags.
func loadConfig(path string, mounts []string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if len(mounts) == 0 {
		return cfg, nil
	}
	for _, s := range mounts {
		m, err := config.ParseMount(s)
		if err != nil {
			return nil, err
		}
		m.Prefix = mountkit.NormalizePath(m.Prefix)
		cfg.Mounts = append(cfg.Mounts, m)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDeps builds the shared provider services. Library settings come from
// the environment first, then the configuration file.
func newDeps(cfg *config.Config, logger *zap.Logger) (provider.Deps, error) {
	base, err := mountkit.GetConfig()
	if err != nil {
		return provider.Deps{}, fmt.Errorf("load environment config: %w", err)
	}
	lib := cfg.Library(base)
	return provider.Deps{
		Config:      lib,
		Cache:       mountkit.SharedCache(),
		HTTPClient:  rangecache.NewHTTPClient(lib.HTTPTimeout(), lib.HTTPMaxIdleConns),
		Logger:      logger,
		OnCacheHit:  metrics.CacheHit,
		OnCacheMiss: metrics.CacheMiss,
		OnFetch:     metrics.RecordFetch,
	}, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	deps, err := newDeps(cfg, logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		reg: mountkit.NewRegistry(
			mountkit.WithLogger(logger),
			mountkit.WithFailureHook(metrics.RecordProviderFailure),
		),
	}

	regs, providers := buildMounts(ctx, cfg.Mounts, deps)
	if err := rt.reg.Reconfigure(regs); err != nil {
		closeAll(providers)
		return nil, err
	}
	rt.providers = providers
	metrics.SetMounts(len(regs))
	return rt, nil
}

// buildMounts constructs one provider per mount. A mount whose provider
// cannot be built is logged and left out so the others still serve.
func buildMounts(ctx context.Context, mounts []config.Mount, deps provider.Deps) ([]mountkit.Registration, []mountkit.Provider) {
	regs := make([]mountkit.Registration, 0, len(mounts))
	providers := make([]mountkit.Provider, 0, len(mounts))
	for _, m := range mounts {
		p, err := provider.New(ctx, m.Source, deps)
		if err != nil {
			deps.Logger.Error("mount unavailable",
				zap.String("prefix", m.Prefix),
				zap.String("error_class", mountkit.ErrorClass(err)),
				zap.Error(err),
			)
			continue
		}
		regs = append(regs, mountkit.Registration{Prefix: m.Prefix, Provider: p})
		providers = append(providers, p)
		deps.Logger.Info("mounted", zap.String("prefix", m.Prefix), zap.String("source", redact(m.Source)))
	}
	return regs, providers
}

// reload swaps in the mounts of cfg, with provider services rebuilt from
// its library settings. The previous providers are closed once the new
// snapshot is live.
func (rt *runtime) reload(ctx context.Context, cfg *config.Config) error {
	deps, err := newDeps(cfg, rt.logger)
	if err != nil {
		return err
	}
	regs, providers := buildMounts(ctx, cfg.Mounts, deps)
	if err := rt.reg.Reconfigure(regs); err != nil {
		closeAll(providers)
		return err
	}
	old, oldClient := rt.providers, rt.deps.HTTPClient
	rt.providers = providers
	rt.deps = deps
	rt.cfg = cfg
	metrics.SetMounts(len(regs))
	closeAll(old)
	if oldClient != nil {
		oldClient.CloseIdleConnections()
	}
	return nil
}

func (rt *runtime) Close() error {
	err := closeAll(rt.providers)
	rt.providers = nil
	return err
}

func closeAll(providers []mountkit.Provider) error {
	var errs []error
	for _, p := range providers {
		if err := provider.Close(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// redact trims inline virtual documents from log lines.
func redact(source string) string {
	const limit = 64
	if len(source) <= limit {
		return source
	}
	return source[:limit] + "..."
}
