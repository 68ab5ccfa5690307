package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/watchtower-labs/sentrycore/internal/bus"
	"github.com/watchtower-labs/sentrycore/internal/chaos"
	"github.com/watchtower-labs/sentrycore/internal/config"
	"github.com/watchtower-labs/sentrycore/internal/modules/artifact"
	"github.com/watchtower-labs/sentrycore/internal/modules/camera"
	"github.com/watchtower-labs/sentrycore/internal/modules/dashboard"
	"github.com/watchtower-labs/sentrycore/internal/modules/notifier"
	"github.com/watchtower-labs/sentrycore/internal/modules/processor"
	"github.com/watchtower-labs/sentrycore/internal/modules/retention"
	"github.com/watchtower-labs/sentrycore/internal/modules/s3replica"
	"github.com/watchtower-labs/sentrycore/internal/modules/storage"
	"github.com/watchtower-labs/sentrycore/internal/orchestrator"
	"github.com/watchtower-labs/sentrycore/internal/stages/dedupe"
	"github.com/watchtower-labs/sentrycore/internal/stages/ratelimit"
	pkglogger "github.com/watchtower-labs/sentrycore/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "load configuration, boot every module, and run until signaled",
	RunE:  runServe,
}

// builtinStage is the subset of orchestrator.Module that dedupe and
// ratelimit implement. They are booted directly here rather than through
// the orchestrator.Registry: spec.md §4.5/4.6 describe them as
// always-present pipeline stages identified by a fixed id, not an
// operator-pluggable module type.
type builtinStage interface {
	Configure(ctx context.Context, fragment config.ModuleFragment) error
	Start(ctx context.Context, b *bus.Bus) error
	Stop(ctx context.Context) error
}

func runServe(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	secretsPath, _ := flags.GetString("secrets")
	k8sNamespace, _ := flags.GetString("k8s-secrets-namespace")
	secretsCacheAddr, _ := flags.GetString("secrets-cache-redis-addr")
	secretsCachePassword, _ := flags.GetString("secrets-cache-redis-password")
	secretsCacheDB, _ := flags.GetInt("secrets-cache-redis-db")
	secretsCacheTTL, _ := flags.GetDuration("secrets-cache-ttl")
	snapshotStorePath, _ := flags.GetString("snapshot-store")
	lockRedisAddr, _ := flags.GetString("snapshot-lock-redis-addr")
	lockRedisPassword, _ := flags.GetString("snapshot-lock-redis-password")
	lockRedisDB, _ := flags.GetInt("snapshot-lock-redis-db")
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	metricsAddr, _ := flags.GetString("metrics-addr")

	logFormat := "text"
	if logJSON {
		logFormat = "json"
	}
	logger := pkglogger.NewLogger(pkglogger.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: "stdout",
	})

	logger.Info("starting sentrycore", "service", serviceName, "version", serviceVersion)

	resolver, err := buildSecretsResolver(secretsPath, k8sNamespace, logger)
	if err != nil {
		return fmt.Errorf("build secrets resolver: %w", err)
	}
	if secretsCacheAddr != "" {
		cached, err := config.NewCachedSecretsResolver(resolver, secretsCacheAddr, secretsCachePassword, secretsCacheDB, secretsCacheTTL, logger)
		if err != nil {
			return fmt.Errorf("build secrets cache: %w", err)
		}
		defer cached.Close()
		resolver = cached
	}

	var store *config.Store
	if lockRedisAddr != "" {
		store, err = config.NewStoreWithLock(snapshotStorePath, lockRedisAddr, lockRedisPassword, lockRedisDB, logger)
	} else {
		store, err = config.NewStore(snapshotStorePath)
	}
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	reg := prometheus.NewRegistry()
	b := bus.New(logger, bus.NewMetrics(reg))

	configSvc := config.New(b, store, logger)
	ctx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if _, err := configSvc.Load(ctx, configPath, resolver); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	registry := orchestrator.NewRegistry()
	if err := registerModuleFactories(registry, logger); err != nil {
		return fmt.Errorf("register module factories: %w", err)
	}

	orch := orchestrator.New(b, configSvc, registry, logger)

	interceptor := chaos.New(logger)
	interceptor.ApplySnapshot(configSvc.Current())
	if err := interceptor.Attach(ctx, b); err != nil {
		return fmt.Errorf("attach chaos interceptor: %w", err)
	}
	defer interceptor.Detach()

	if _, err := configSvc.SubscribeUpdates(ctx); err != nil {
		return fmt.Errorf("subscribe config.update: %w", err)
	}

	dedupeStage := dedupe.New("dedupe-primary", logger)
	ratelimitStage := ratelimit.New("ratelimit-primary", logger)
	if err := bootBuiltinStage(ctx, b, dedupeStage, configSvc.Current(), "dedupe-primary"); err != nil {
		return fmt.Errorf("boot dedupe stage: %w", err)
	}
	if err := bootBuiltinStage(ctx, b, ratelimitStage, configSvc.Current(), "ratelimit-primary"); err != nil {
		return fmt.Errorf("boot ratelimit stage: %w", err)
	}
	if _, err := orchestrator.WatchBuiltinStage(ctx, b, configSvc, dedupeStage, "dedupe-primary", logger); err != nil {
		return fmt.Errorf("watch dedupe stage for hot reload: %w", err)
	}
	if _, err := orchestrator.WatchBuiltinStage(ctx, b, configSvc, ratelimitStage, "ratelimit-primary", logger); err != nil {
		return fmt.Errorf("watch ratelimit stage for hot reload: %w", err)
	}

	if err := orch.Boot(ctx); err != nil {
		return fmt.Errorf("boot orchestrator: %w", err)
	}

	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	signalHandler := newSignalHandler(configSvc, configPath, resolver, logger)
	signalHandler.Start()
	defer signalHandler.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown reported an error", "error", err)
	}
	_ = dedupeStage.Stop(shutdownCtx)
	_ = ratelimitStage.Stop(shutdownCtx)
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", "error", err)
	}

	logger.Info("sentrycore stopped")
	return nil
}

func buildSecretsResolver(secretsPath, k8sNamespace string, logger *slog.Logger) (config.SecretsResolver, error) {
	switch {
	case k8sNamespace != "" && secretsPath != "":
		return nil, fmt.Errorf("--secrets and --k8s-secrets-namespace are mutually exclusive")
	case k8sNamespace != "":
		return config.NewK8sSecretsResolver(k8sNamespace, logger)
	case secretsPath != "":
		return config.NewFileSecretsResolver(secretsPath)
	default:
		logger.Warn("no secrets source configured; any token_ref in the config tree will fail to resolve")
		return noopResolver{}, nil
	}
}

// noopResolver is used when neither --secrets nor
// --k8s-secrets-namespace is set. A configuration tree with no
// "token_ref" settings resolves fine against it; one that has any will
// fail loudly at Load time instead of silently shipping an empty token.
type noopResolver struct{}

func (noopResolver) Resolve(_ context.Context, ref string) (string, error) {
	return "", fmt.Errorf("no secrets resolver configured, cannot resolve %q", ref)
}

func registerModuleFactories(registry *orchestrator.Registry, logger *slog.Logger) error {
	factories := map[string]orchestrator.ModuleFactory{
		"camera": func(f config.ModuleFragment) (orchestrator.Module, error) {
			return camera.New(f.ID, logger), nil
		},
		"processor": func(f config.ModuleFragment) (orchestrator.Module, error) {
			return processor.New(f.ID, logger), nil
		},
		"artifact": func(f config.ModuleFragment) (orchestrator.Module, error) {
			return artifact.New(f.ID, logger), nil
		},
		"notifier": func(f config.ModuleFragment) (orchestrator.Module, error) {
			return notifier.New(f.ID, logger), nil
		},
		"storage": func(f config.ModuleFragment) (orchestrator.Module, error) {
			return storage.New(f.ID, logger), nil
		},
		"retention": func(f config.ModuleFragment) (orchestrator.Module, error) {
			return retention.New(f.ID, logger), nil
		},
		"s3replica": func(f config.ModuleFragment) (orchestrator.Module, error) {
			return s3replica.New(f.ID, logger), nil
		},
		"dashboard": func(f config.ModuleFragment) (orchestrator.Module, error) {
			return dashboard.New(f.ID, logger), nil
		},
	}
	for moduleType, factory := range factories {
		if err := registry.Register(moduleType, factory); err != nil {
			return err
		}
	}
	return nil
}

func bootBuiltinStage(ctx context.Context, b *bus.Bus, stage builtinStage, tree *config.Tree, id string) error {
	cf, ok := tree.FindFragment(id)
	if !ok {
		return fmt.Errorf("no fragment named %q found in the configuration tree", id)
	}
	if err := stage.Configure(ctx, cf.Fragment); err != nil {
		return err
	}
	return stage.Start(ctx, b)
}
