package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"example.com/cragfeed/internal/api"
	"example.com/cragfeed/internal/auth"
	"example.com/cragfeed/internal/cache"
	"example.com/cragfeed/internal/config"
	"example.com/cragfeed/internal/domain"
	"example.com/cragfeed/internal/observability"
	"example.com/cragfeed/internal/outbox"
	"example.com/cragfeed/internal/persistence/memory"
	"example.com/cragfeed/internal/persistence/postgres"
	httptransport "example.com/cragfeed/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		repo       domain.Repository
		dispatcher *outbox.Dispatcher
		health     = func(context.Context) error { return nil }
	)

	switch cfg.Store {
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store; data is lost on restart")
		repo = memory.NewRepository()
	default:
		if cfg.AutoMigrate {
			if err := postgres.Migrate(cfg.PostgresURL); err != nil {
				log.Fatal().Err(err).Msg("failed to migrate database")
			}
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()
		repo = postgres.NewRepository(pool)
		health = pool.Ping

		if cfg.OutboxEnabled {
			producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
			defer producer.Close()
			registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
			dispatcher = outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
			go dispatcher.Start(ctx)
		}
	}

	var opts []domain.Option
	switch {
	case cfg.RedisAddress != "":
		client, err := cache.NewClient(ctx, cache.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn().Err(err).Msg("feed cache disabled")
		} else {
			defer client.Close()
			opts = append(opts, domain.WithPageCache(cache.NewPageCache(client, "", cfg.FeedCacheTTL)))
		}
	case cfg.FeedCacheLocal:
		local, err := cache.NewLocalPageCache(cache.LocalConfig{MaxPages: cfg.FeedCacheMaxPages, TTL: cfg.FeedCacheTTL})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build local feed cache")
		}
		defer local.Close()
		opts = append(opts, domain.WithPageCache(local))
	}

	service := domain.NewService(repo, opts...)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	api.NewHandler(service, api.WithHealthCheck(health)).RegisterRoutes(router)

	limiter := httptransport.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	handler := httptransport.Chain(router,
		httptransport.AccessLog(observability.Component("http")),
		httptransport.CORS(cfg.CORSOrigins),
		auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}).Wrap,
		limiter.Limit,
	)
	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), handler)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("address", cfg.HTTPAddress).Str("store", cfg.Store).Msg("cragfeed api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdownCh
	log.Info().Msg("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	if dispatcher != nil {
		dispatcher.Wait()
	}
}
