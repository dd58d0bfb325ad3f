package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/api"
	"github.com/BTreeMap/SalonPipe/internal/booking"
	"github.com/BTreeMap/SalonPipe/internal/dedup"
	"github.com/BTreeMap/SalonPipe/internal/flow"
	"github.com/BTreeMap/SalonPipe/internal/genai"
	"github.com/BTreeMap/SalonPipe/internal/lockfile"
	"github.com/BTreeMap/SalonPipe/internal/messaging"
	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/queue"
	"github.com/BTreeMap/SalonPipe/internal/ratelimit"
	"github.com/BTreeMap/SalonPipe/internal/store"
	"github.com/BTreeMap/SalonPipe/internal/tenant"
	"github.com/BTreeMap/SalonPipe/internal/tools"
	"github.com/BTreeMap/SalonPipe/internal/twiliowhatsapp"
	"github.com/redis/go-redis/v9"
)

// drainTimeout bounds how long shutdown waits for queued messages.
const drainTimeout = 30 * time.Second

// run wires every component, serves until ctx is cancelled, then shuts down.
func run(ctx context.Context, flags Flags, config Config) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.Acquire(*flags.dbDSN)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if *flags.tenantsFile != "" {
		seed, err := tenant.LoadFile(*flags.tenantsFile)
		if err != nil {
			return err
		}
		if err := tenant.Seed(ctx, st, seed); err != nil {
			return err
		}
		slog.Info("run: tenants seeded", "count", len(seed), "file", *flags.tenantsFile)
	}

	registry := tenant.NewRegistry(st, tenant.WithRefreshInterval(config.TenantRefresh))
	if err := registry.Refresh(ctx); err != nil {
		return err
	}
	go registry.Run(ctx)

	cache, limiter, closeShared, err := buildSharedState(ctx, *flags.redisURL, config)
	if err != nil {
		return err
	}
	defer closeShared()

	prompt := flow.DefaultSystemPrompt
	if *flags.systemPrompt != "" {
		if prompt, err = flow.LoadSystemPrompt(*flags.systemPrompt); err != nil {
			return err
		}
	}

	dispatcher := tools.NewDispatcher(
		booking.NewClient(config.BookingAPIBase),
		cache,
		registry,
		tools.WithToolTimeout(config.ToolTimeout),
	)
	engine := flow.NewEngine(flow.Dependencies{
		Dedup:    cache,
		Tenants:  registry,
		Limiter:  limiter,
		Store:    st,
		LLM:      genai.NewClient(buildGenAIOptions(config)...),
		Tools:    dispatcher,
		Messages: buildMessenger(config),
	}, flow.Config{
		MaxIterations:    config.MaxIterations,
		IterationTimeout: config.IterationTimeout,
		LLMTimeout:       config.LLMTimeout,
		TokenBudget:      config.TokenBudget,
		SystemPrompt:     prompt,
		Location:         loadLocation(config.Timezone),
	})

	pool := queue.NewPool(config.Workers, config.QueueDepth, func(ctx context.Context, msg models.InboundMessage) {
		res, err := engine.HandleInbound(ctx, msg)
		if err != nil {
			slog.Warn("run: inbound message rejected", "message_id", msg.MessageID, "error", err)
			return
		}
		slog.Debug("run: inbound message handled", "message_id", msg.MessageID,
			"outcome", res.Outcome, "iterations", res.Iterations, "run_id", res.RunID)
	})
	// Workers outlive ctx so Stop can drain them.
	pool.Start(context.WithoutCancel(ctx))

	server := api.NewServer(pool, registry, engine, buildAPIOptions(flags, config)...)
	serveErr := server.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := pool.Stop(drainCtx); err != nil {
		slog.Warn("run: queue not fully drained", "error", err)
	}
	return serveErr
}

// buildSharedState returns the dedup cache and rate limiter, backed by Redis
// when redisURL is set and by process memory otherwise.
func buildSharedState(ctx context.Context, redisURL string, config Config) (dedup.Cache, ratelimit.Limiter, func(), error) {
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		slog.Info("buildSharedState: using redis for dedup and rate limiting")
		closeFn := func() {
			if err := client.Close(); err != nil {
				slog.Warn("buildSharedState: failed to close redis client", "error", err)
			}
		}
		return dedup.NewRedisCache(client, config.DedupTTL),
			ratelimit.NewRedisLimiter(client, config.RateLimit, config.RateWindow),
			closeFn, nil
	}

	cache := dedup.NewMemoryCache(dedup.WithTTL(config.DedupTTL), dedup.WithCapacity(config.DedupCapacity))
	limiter := ratelimit.NewMemoryLimiter(config.RateLimit, config.RateWindow)
	go cache.Run(ctx, dedup.DefaultSweepInterval)
	go limiter.Run(ctx)
	slog.Info("buildSharedState: using process memory for dedup and rate limiting")
	return cache, limiter, func() {}, nil
}

// buildMessenger routes replies over the tenant's Cloud API channel, with
// Twilio as fallback when its credentials are configured.
func buildMessenger(config Config) *messaging.Router {
	var cloudOpts []messaging.CloudOption
	if config.WhatsAppAPIBase != "" {
		cloudOpts = append(cloudOpts, messaging.WithGraphBase(config.WhatsAppAPIBase))
	}
	cloud := messaging.NewCloudAPISender(cloudOpts...)

	tw, err := twiliowhatsapp.NewClient()
	if err != nil {
		slog.Info("buildMessenger: Twilio fallback disabled", "reason", err)
		return messaging.NewRouter(cloud, nil)
	}
	return messaging.NewRouter(cloud, tw)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	var genaiOpts []genai.Option
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if config.DefaultLLMModel != "" {
		genaiOpts = append(genaiOpts, genai.WithDefaultModel(config.DefaultLLMModel))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	apiOpts := []api.Option{api.WithAddr(*flags.apiAddr)}
	if config.VerifyToken != "" {
		apiOpts = append(apiOpts, api.WithVerifyToken(config.VerifyToken))
	}
	if config.AppSecret != "" {
		apiOpts = append(apiOpts, api.WithAppSecret(config.AppSecret))
	}
	if config.AdminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(config.AdminToken))
	}
	return apiOpts
}
