// Package main is the entry point for the conveyor daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorci/conveyor/internal/actions"
	"github.com/conveyorci/conveyor/internal/api"
	"github.com/conveyorci/conveyor/internal/auth"
	"github.com/conveyorci/conveyor/internal/blob"
	"github.com/conveyorci/conveyor/internal/cache"
	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/executor"
	"github.com/conveyorci/conveyor/internal/k8s"
	"github.com/conveyorci/conveyor/internal/pipeline"
	"github.com/conveyorci/conveyor/internal/runner"
	"github.com/conveyorci/conveyor/internal/runstore"
	"github.com/conveyorci/conveyor/internal/scheduler"
	"github.com/conveyorci/conveyor/internal/secrets"
	"github.com/conveyorci/conveyor/internal/tracing"
	"github.com/conveyorci/conveyor/internal/trigger"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting conveyord",
		slog.String("port", cfg.Port),
		slog.String("pipeline_dir", cfg.PipelineDir),
		slog.String("runner", cfg.RunnerType),
		slog.String("runstore", cfg.RunStoreType),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:  "conveyord",
		OTLPEndpoint: cfg.TracingEndpoint,
		Enabled:      cfg.TracingEnabled,
		SampleRate:   1.0,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	store := newRunStore(cfg, logger)
	defer store.Close()

	registry := actions.NewRegistry()

	defs, err := loadPipelines(cfg.PipelineDir, registry, logger)
	if err != nil {
		return err
	}
	evaluator := trigger.NewEvaluator(defs...)

	run, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}

	emitter := executor.NewStoreEmitter(store, logger)
	exec := executor.New(run, registry, emitter, logger, executor.Config{
		WorkRoot:    cfg.WorkRoot,
		StepTimeout: cfg.StepTimeout,
	})

	if cfg.SecretsFile != "" {
		provider, err := secrets.LoadFile(cfg.SecretsFile)
		if err != nil {
			return fmt.Errorf("load secrets: %w", err)
		}
		exec.WithSecrets(provider)
		logger.Info("secrets loaded", slog.String("file", cfg.SecretsFile))
	}

	cacheStore, err := newCacheStore(cfg, logger)
	if err != nil {
		return err
	}
	if cacheStore != nil {
		exec.WithCache(cacheStore)
		defer cacheStore.Close()
	}

	if cfg.S3AccessKeyID != "" {
		artifacts, err := blob.NewBucket(&blob.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.ArtifactBucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UseSSL:          cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("create artifact bucket: %w", err)
		}
		exec.WithArtifacts(artifacts)
		logger.Info("artifact storage enabled", slog.String("bucket", cfg.ArtifactBucket))
	}

	sched := scheduler.New(store, exec, logger, &scheduler.Config{
		MaxParallelism: cfg.MaxParallelism,
	})
	dispatcher := trigger.NewDispatcher(evaluator, sched, nil, logger)

	serverCfg := &api.ServerConfig{
		WebhookLimiter: auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		GlobalLimiter:  auth.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if cfg.OIDCEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			return fmt.Errorf("init oidc: %w", err)
		}
		serverCfg.Auth = auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true})
		logger.Info("oidc auth enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	handlers := api.NewHandlers(store, sched, evaluator, dispatcher, cfg, logger)
	server := api.NewServer(handlers, serverCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(server.Router(), "conveyord"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
		if err := sched.Shutdown(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown", "error", err)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func newRunStore(cfg *config.Config, logger *slog.Logger) runstore.RunStore {
	if cfg.RunStoreType == "redis" {
		redisStore, err := runstore.NewRedisStore(&runstore.RedisConfig{
			URL:         cfg.RedisURL,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			TTL:         cfg.RunStoreTTL,
			EventMaxLen: cfg.EventMaxLen,
		})
		if err == nil {
			logger.Info("using redis runstore", slog.String("url", cfg.RedisURL))
			return redisStore
		}
		logger.Error("redis unavailable, falling back to memory runstore", "error", err)
	}

	logger.Info("using in-memory runstore")
	return runstore.NewMemoryStore(&runstore.Config{
		EventMaxLen: cfg.EventMaxLen,
		TTL:         cfg.RunStoreTTL,
	})
}

// loadPipelines parses every YAML definition in dir. A file that fails
// validation is skipped with an error log; it must never start runs.
func loadPipelines(dir string, registry *actions.Registry, logger *slog.Logger) ([]*pipeline.Definition, error) {
	var paths []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("scan pipeline dir: %w", err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	var defs []*pipeline.Definition
	for _, path := range paths {
		def, err := pipeline.LoadFile(path, registry)
		if err != nil {
			logger.Error("invalid pipeline definition",
				slog.String("path", path),
				slog.Any("error", err))
			continue
		}
		defs = append(defs, def)
		logger.Info("pipeline loaded",
			slog.String("name", def.Name),
			slog.String("path", path),
			slog.Int("jobs", len(def.Jobs)))
	}
	if len(defs) == 0 {
		logger.Warn("no pipeline definitions loaded", slog.String("dir", dir))
	}
	return defs, nil
}

func newRunner(cfg *config.Config, logger *slog.Logger) (runner.Runner, error) {
	if cfg.RunnerType == "kubernetes" {
		r, err := runner.NewKubernetesRunner(&runner.KubernetesConfig{
			Client: &k8s.Config{
				InCluster:  cfg.K8sInCluster,
				Kubeconfig: cfg.K8sKubeconfig,
				Namespace:  cfg.K8sNamespace,
			},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create kubernetes runner: %w", err)
		}
		logger.Info("using kubernetes runner", slog.String("namespace", cfg.K8sNamespace))
		return r, nil
	}

	passthrough := make(map[string]string)
	for _, name := range cfg.EnvPassthru {
		if v, ok := os.LookupEnv(name); ok {
			passthrough[name] = v
		}
	}
	logger.Info("using local subprocess runner")
	return runner.NewLocalRunner(&runner.LocalConfig{EnvPassthrough: passthrough}), nil
}

func newCacheStore(cfg *config.Config, logger *slog.Logger) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "s3":
		bucket, err := blob.NewBucket(&blob.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.CacheBucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UseSSL:          cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create cache bucket: %w", err)
		}
		logger.Info("using s3 cache", slog.String("bucket", cfg.CacheBucket))
		return cache.NewS3Store(bucket), nil

	case "disk":
		store, err := cache.NewDiskStore(cfg.CacheDir, cfg.CacheMaxBytes)
		if err != nil {
			return nil, fmt.Errorf("open disk cache: %w", err)
		}
		logger.Info("using disk cache",
			slog.String("dir", cfg.CacheDir),
			slog.Int64("max_bytes", cfg.CacheMaxBytes))
		return store, nil

	case "none", "":
		logger.Info("cache disabled")
		return nil, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}
