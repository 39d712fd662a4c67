package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/conclave-ai/conclave/internal/auditlog"
	"github.com/conclave-ai/conclave/internal/benchmark"
	"github.com/conclave-ai/conclave/internal/benchmarkdefs"
	"github.com/conclave-ai/conclave/internal/breaker"
	"github.com/conclave-ai/conclave/internal/budget"
	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/embedding"
	"github.com/conclave-ai/conclave/internal/groupchat"
	"github.com/conclave-ai/conclave/internal/httpapi"
	"github.com/conclave-ai/conclave/internal/ledger"
	"github.com/conclave-ai/conclave/internal/llmprovider"
	"github.com/conclave-ai/conclave/internal/llmprovider/anthropic"
	"github.com/conclave-ai/conclave/internal/llmprovider/google"
	"github.com/conclave-ai/conclave/internal/llmprovider/openai"
	"github.com/conclave-ai/conclave/internal/mcptools"
	"github.com/conclave-ai/conclave/internal/memory"
	"github.com/conclave-ai/conclave/internal/observability"
	"github.com/conclave-ai/conclave/internal/oidcauth"
	"github.com/conclave-ai/conclave/internal/pricing"
	"github.com/conclave-ai/conclave/internal/rag"
	"github.com/conclave-ai/conclave/internal/registry"
	"github.com/conclave-ai/conclave/internal/selector"
	"github.com/conclave-ai/conclave/internal/streaming"
	"github.com/conclave-ai/conclave/internal/workflow"
	"github.com/conclave-ai/conclave/internal/workflowdefs"
	"github.com/conclave-ai/conclave/internal/workflowrunner"
)

const mcpInitTimeout = 20 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("conclaved")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()
	shutdownOTel, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	httpClient := observability.NewHTTPClient(&http.Client{Transport: tr})

	pool, err := pgxpool.New(baseCtx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()

	reg, err := registry.Load(cfg.AgentDefinitionsPath)
	if err != nil {
		return fmt.Errorf("load agent definitions: %w", err)
	}

	workflowCatalogue, err := workflowdefs.Load(cfg.WorkflowDefinitionsPath)
	if err != nil {
		log.Warn().Err(err).Msg("no workflow definitions loaded")
		workflowCatalogue = &workflowdefs.Catalogue{}
	}

	scenarios, err := benchmarkdefs.Load(cfg.BenchmarkScenariosPath)
	if err != nil {
		log.Warn().Err(err).Msg("no benchmark scenarios loaded")
	}

	ledgerStore := newLedger(cfg, pool)
	pricingTable := newPricingTable(cfg, pool)
	memoryStore, err := newMemoryStore(baseCtx, cfg)
	if err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}
	ragCache := newRAGCache(cfg, redisClient)
	retriever := rag.NewRetriever(memoryStore, memoryEmbedder(cfg), ragCache, cfg.RAG.CacheTTL())

	rateLimiter := breaker.NewRedisRateLimiter(redisClient)
	alertSink := breaker.NewPostgresAlertSink(pool)
	snapshotStore := breaker.NewPostgresSnapshotStore(pool, "global")
	cb, err := breaker.New(baseCtx, breakerLimits(cfg), ledgerStore, rateLimiter, alertSink, snapshotStore)
	if err != nil {
		return fmt.Errorf("init circuit breaker: %w", err)
	}

	providers := newProviderRegistry(baseCtx, cfg, httpClient)
	selectorStore := selector.NewStore()

	orchestrator := groupchat.New(groupchat.Deps{
		Registry:  reg,
		Selector:  selectorStore,
		Retriever: retriever,
		Breaker:   cb,
		Ledger:    ledgerStore,
		Pricing:   pricingTable,
		Providers: providers,
	}, groupchat.Config{
		MaxTurns:             cfg.GroupChat.MaxTurns,
		RetryBase:            time.Duration(cfg.GroupChat.RetryBaseMs) * time.Millisecond,
		RetryFactor:          cfg.GroupChat.RetryFactor,
		RetryCap:             time.Duration(cfg.GroupChat.RetryCapMs) * time.Millisecond,
		EstimatedOutputRatio: cfg.GroupChat.EstimatedOutputRatio,
		CharsPerToken:        cfg.GroupChat.CharsPerToken,
		ComplexMessageChars:  cfg.GroupChat.ComplexMessageChars,
	})

	streamRegistry := streaming.NewRegistry()

	workflowStore := workflow.Store(workflow.NewMemStore())
	if cfg.Postgres.DSN != "" {
		workflowStore = workflow.NewPostgresStore(pool)
	}
	stepRunner := workflowrunner.New(reg, providers)
	workflowExecutor := workflow.New(workflowStore, cb, pricingTable, stepRunner, workflow.RetryPolicy{})

	var artifacts benchmark.ArtifactStore
	if cfg.S3.Bucket != "" {
		s3Artifacts, err := benchmark.NewS3Artifacts(baseCtx, cfg.S3, cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, false, cfg.S3.UsePathStyle)
		if err != nil {
			log.Warn().Err(err).Msg("benchmark artifact store disabled")
		} else {
			artifacts = s3Artifacts
		}
	}
	benchmarkRunner := benchmark.New(orchestrator, reg, artifacts)

	mcpMgr := mcptools.NewManager()
	defer mcpMgr.Close()
	ctxMCP, cancelMCP := context.WithTimeout(baseCtx, mcpInitTimeout)
	mcpMgr.DiscoverAll(ctxMCP, cfg.MCP)
	cancelMCP()
	reg.AugmentToolsForAll(mcpToolNames(mcpMgr))

	oidcVerifier, err := oidcauth.New(baseCtx, cfg.OIDC)
	if err != nil {
		log.Warn().Err(err).Msg("oidc verifier disabled")
	}

	var auditStore auditlog.Store = auditlog.NewMemStore()
	if cfg.Kafka.Brokers != "" {
		auditStore = auditlog.NewKafkaPublisher(splitCSV(cfg.Kafka.Brokers), "conclave.audit", auditStore)
	}

	monitor := budget.NewMonitor(ledgerStore, cb, budget.Limits{
		DailyBudget:       cfg.Budget.DailyLimit,
		CriticalThreshold: cfg.Budget.CriticalThreshold,
	}, time.Duration(cfg.BudgetMonitor.IntervalSeconds)*time.Second)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.ClickHouse.DSN != "" && cfg.Kafka.Brokers != "" {
		sink, err := budget.NewClickHouseSink(cfg.ClickHouse)
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse analytical sink disabled")
		} else {
			defer sink.Close()
			feeder := budget.NewKafkaFeeder(splitCSV(cfg.Kafka.Brokers), cfg.Kafka.TurnsTopic, cfg.Kafka.GroupID, sink)
			defer feeder.Close()
			go func() {
				if err := feeder.Run(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("budget analytical feeder stopped")
				}
			}()
		}
	}

	go monitor.Run(ctx)
	go sweepIdleStreams(ctx, streamRegistry)

	e := echo.New()
	e.HideBanner = true
	httpapi.Register(e, httpapi.Deps{
		Ledger:       ledgerStore,
		Breaker:      cb,
		Monitor:      monitor,
		Orchestrator: orchestrator,
		Streams:      streamRegistry,
		Workflows:    workflowExecutor,
		WorkflowDefs: workflowCatalogue,
		Benchmarks:   benchmarkRunner,
		Scenarios:    scenarios,
		OIDC:         oidcVerifier,
		Audit:        auditStore,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: e}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("conclaved listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down: draining active streams")
	streamRegistry.DrainAll("server_shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	log.Info().Msg("conclaved stopped")
	return nil
}

func sweepIdleStreams(ctx context.Context, reg *streaming.Registry) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SweepIdle()
		}
	}
}

func newLedger(cfg config.Config, pool *pgxpool.Pool) ledger.Ledger {
	var base ledger.Ledger = ledger.NewPostgresLedger(pool)
	if cfg.Kafka.Brokers == "" {
		return base
	}
	publisher := ledger.NewKafkaPublisher(splitCSV(cfg.Kafka.Brokers), cfg.Kafka.TurnsTopic)
	return ledger.WithPublisher(base, publisher)
}

func newPricingTable(cfg config.Config, pool *pgxpool.Pool) pricing.Table {
	return pricing.NewPostgresTable(pool)
}

func newMemoryStore(ctx context.Context, cfg config.Config) (memory.Store, error) {
	if cfg.Qdrant.DSN == "" {
		return memory.NewMemStore(memoryEmbedder(cfg)), nil
	}
	return memory.NewQdrantStore(ctx, cfg.Qdrant.DSN, cfg.Qdrant.Collection, cfg.RAG.EmbeddingDim)
}

func memoryEmbedder(cfg config.Config) embedding.Embedder {
	return embedding.NewDeterministic(cfg.RAG.EmbeddingDim)
}

func newRAGCache(cfg config.Config, client *redis.Client) rag.Cache {
	if cfg.Redis.Addr == "" {
		return rag.NewMemCache()
	}
	return rag.NewRedisCache(client, "rag:")
}

func breakerLimits(cfg config.Config) breaker.Limits {
	return breaker.Limits{
		BudgetLimitDaily:        cfg.Budget.DailyLimit,
		ConversationLimit:       cfg.Budget.ConversationLimit,
		TurnLimit:               cfg.Budget.TurnLimit,
		WarningThreshold:        cfg.Budget.WarningThreshold,
		CriticalThreshold:       cfg.Budget.CriticalThreshold,
		MaxTurnsPerMinute:       cfg.Budget.MaxTurnsPerMinute,
		MaxConversationsPerHour: cfg.Budget.MaxConvsPerHour,
		SpikeFactor:             cfg.Budget.SpikeFactor,
		FailureThreshold:        cfg.Budget.FailureThreshold,
		SuccessThreshold:        cfg.Budget.SuccessThreshold,
		RecoveryTimeout:         time.Duration(cfg.Budget.RecoveryTimeoutSec) * time.Second,
	}
}

func newProviderRegistry(ctx context.Context, cfg config.Config, httpClient *http.Client) *llmprovider.Registry {
	var providers []llmprovider.Provider
	if cfg.Providers.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.Providers.OpenAIAPIKey, cfg.Providers.OpenAIBaseURL, httpClient))
	}
	if cfg.Providers.AnthropicAPIKey != "" {
		providers = append(providers, anthropic.New(cfg.Providers.AnthropicAPIKey, "", httpClient))
	}
	if cfg.Providers.GoogleAPIKey != "" {
		if g, err := google.New(ctx, cfg.Providers.GoogleAPIKey); err == nil {
			providers = append(providers, g)
		} else {
			log.Warn().Err(err).Msg("google provider disabled")
		}
	}
	return llmprovider.NewRegistry(providers...)
}

func mcpToolNames(mgr *mcptools.Manager) []string {
	tools := mgr.ListTools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
