package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/api"
	"github.com/isdmx/runbox/cache"
	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/flags"
	"github.com/isdmx/runbox/health"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/objectstore"
	"github.com/isdmx/runbox/orchestrator"
	"github.com/isdmx/runbox/pool"
	"github.com/isdmx/runbox/ratelimit"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/store"
	"github.com/isdmx/runbox/stream"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,

			newFlags,
			newLanguages,
			newSandboxBackend,
			newPool,
			newStore,
			newCache,
			newLimiter,
			newPublisher,
			newObjectStore,
			newHistogram,
			newAggregator,
			newOrchestrator,
			newAPIServer,
			newMCPServer,
		),

		fx.Invoke(run),

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func newFlags(cfg *config.Config) *flags.Flags {
	return flags.New(cfg.Flags)
}

func newLanguages(cfg *config.Config) sandbox.Languages {
	languages := make(sandbox.Languages, len(cfg.Languages))
	for name, lang := range cfg.Languages {
		languages[name] = sandbox.Language{
			BuildCmd:        lang.BuildCmd,
			RunCmd:          lang.RunCmd,
			Environment:     lang.Environment,
			ExcludePatterns: lang.ExcludePatterns,
		}
	}
	return languages
}

func newSandboxBackend(cfg *config.Config, log *zap.Logger, languages sandbox.Languages) (sandbox.Backend, error) {
	return sandbox.NewBackend(log.Named("sandbox"), &sandbox.Config{
		Image:             cfg.Sandbox.Image,
		MemoryMB:          cfg.Sandbox.MemoryMB,
		NetworkEnabled:    cfg.Sandbox.NetworkEnabled,
		WorkdirRoot:       cfg.Sandbox.WorkdirRoot,
		MaxOutputSizeKB:   cfg.Sandbox.MaxOutputSizeKB,
		MaxArtifactSizeMB: cfg.Sandbox.MaxArtifactSizeMB,
	}, languages, cfg.Sandbox.Backend)
}

func newPool(cfg *config.Config, log *zap.Logger, backend sandbox.Backend) *pool.Pool {
	return pool.New(backend, log.Named("pool"), pool.Config{
		MaxSize:          cfg.Pool.MaxSize,
		MaxUses:          cfg.Pool.MaxUses,
		ProvisionTimeout: cfg.ProvisionTimeout(),
		ResetTimeout:     cfg.ResetTimeout(),
	})
}

func newStore(cfg *config.Config, log *zap.Logger) (*store.SQLStore, error) {
	return store.Open(cfg.Database.Driver, cfg.Database.DSN, log.Named("store"))
}

func newCache(cfg *config.Config, log *zap.Logger) *cache.Client {
	return cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log.Named("cache"))
}

func newLimiter(cfg *config.Config, log *zap.Logger, cacheClient *cache.Client) (*ratelimit.Limiter, error) {
	presets, err := ratelimit.LoadPresets(cfg.RateLimit.PresetsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate-limit presets: %w", err)
	}

	var counters ratelimit.CounterStore
	switch cfg.RateLimit.Store {
	case "redis":
		counters = ratelimit.NewRedisStore(cacheClient.Redis(), cfg.Stream.Prefix)
	default:
		counters = ratelimit.NewMemoryStore()
	}

	return ratelimit.New(counters, presets, log.Named("ratelimit")), nil
}

func newPublisher(cfg *config.Config, log *zap.Logger, cacheClient *cache.Client) (*stream.Publisher, error) {
	if !cfg.StreamConfigured() {
		return stream.New(nil, cfg.Stream.Prefix, cfg.Stream.Group, log.Named("stream"))
	}
	return stream.New(cacheClient.Redis(), cfg.Stream.Prefix, cfg.Stream.Group, log.Named("stream"))
}

func newObjectStore(cfg *config.Config, log *zap.Logger) (*objectstore.Client, error) {
	return objectstore.New(context.Background(), objectstore.Config{
		Bucket:   cfg.ObjectStore.Bucket,
		Region:   cfg.ObjectStore.Region,
		Endpoint: cfg.ObjectStore.Endpoint,
		Prefix:   cfg.ObjectStore.Prefix,
	}, log.Named("objectstore"))
}

func newHistogram() *api.DurationHistogram {
	return api.NewDurationHistogram()
}

func newAggregator(log *zap.Logger, sqlStore *store.SQLStore, cacheClient *cache.Client, publisher *stream.Publisher, objects *objectstore.Client, p *pool.Pool, f *flags.Flags, histogram *api.DurationHistogram) *health.Aggregator {
	probes := []health.Probe{sqlStore, cacheClient, publisher, objects}
	return health.NewAggregator(log.Named("health"), probes, p, f, sqlStore, publisher, histogram)
}

func newOrchestrator(cfg *config.Config, log *zap.Logger, sqlStore *store.SQLStore, p *pool.Pool, languages sandbox.Languages, publisher *stream.Publisher, objects *objectstore.Client) *orchestrator.Orchestrator {
	return orchestrator.New(sqlStore, sqlStore, p, languages, publisher, objects, log.Named("orchestrator"), orchestrator.Config{
		Workers:        cfg.Orchestrator.Workers,
		QueueDepth:     cfg.Orchestrator.QueueDepth,
		DefaultTimeout: cfg.DefaultTimeout(),
		MaxTimeout:     cfg.MaxTimeout(),
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		CancelGrace:    cfg.CancelGrace(),
	})
}

func newAPIServer(cfg *config.Config, log *zap.Logger, orch *orchestrator.Orchestrator, aggregator *health.Aggregator, limiter *ratelimit.Limiter, histogram *api.DurationHistogram) *api.Server {
	return api.NewServer(cfg.Server.HTTPAddr, orch, aggregator, limiter, histogram, cfg.RateLimit.TrustProxy, log.Named("api"))
}

func newMCPServer(cfg *config.Config, log *zap.Logger, orch *orchestrator.Orchestrator) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log.Named("mcp"), orch)
}

func run(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, p *pool.Pool, orch *orchestrator.Orchestrator, apiServer *api.Server, mcp *mcpserver.MCPServer, sqlStore *store.SQLStore, cacheClient *cache.Client) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Start()
			orch.Start()
			apiServer.Start()

			switch cfg.Server.MCPTransport {
			case "stdio":
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("mcp stdio transport stopped", zap.Error(err))
					}
				}()
			case "http":
				go func() {
					if err := mcp.ServeHTTP(); err != nil {
						log.Error("mcp http transport stopped", zap.Error(err))
					}
				}()
			case "off":
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := apiServer.Shutdown(ctx); err != nil {
				log.Warn("http shutdown did not drain cleanly", zap.Error(err))
			}
			orch.Stop()
			p.Close()
			if err := cacheClient.Close(); err != nil {
				log.Warn("redis close failed", zap.Error(err))
			}
			return sqlStore.Close()
		},
	})
}
