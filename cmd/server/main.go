/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the marketplace server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, config file, .env, MARKET_* env)
  2. Open the store (sqlite, postgres or memory)
  3. Build ledger, catalog and engine with delivery collaborators
  4. Verify the ledger; a mismatch starts the engine halted
  5. Start the redelivery scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  Config file path (optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for an in-memory database

DELIVERY:
  MARKET_DELIVERY_WEBHOOK_URL set -> files and messages POSTed to the chat front-end
  otherwise                       -> logged only (development)
  MARKET_KAFKA_BROKERS set        -> notifications and affiliate sales also
                                     published as Kafka events

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the redelivery scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Kafka writers, redis and the database

EXAMPLES:
  ./server -db="./data/market.db"
  MARKET_STORE_DRIVER=postgres MARKET_STORE_POSTGRES_URL=postgres://... ./server
  ./server -config=./market.toml -port=3000

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/market-engine/api"
	"github.com/warp/market-engine/catalog"
	"github.com/warp/market-engine/config"
	"github.com/warp/market-engine/delivery"
	"github.com/warp/market-engine/ledger"
	"github.com/warp/market-engine/market"
	"github.com/warp/market-engine/quote"
	"github.com/warp/market-engine/store/memory"
	"github.com/warp/market-engine/store/postgres"
	"github.com/warp/market-engine/store/sqlite"
)

// marketStore is what every store driver provides.
type marketStore interface {
	ledger.TxStore
	market.Store
}

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}

	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	// Store
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)
	logger.Info("store opened", "driver", cfg.Store.Driver)

	// Ledger, catalog, engine
	marketCfg, err := cfg.MarketConfig()
	if err != nil {
		return err
	}
	l := ledger.New(store, ledger.WithOverdraftAccount(marketCfg.TreasuryAccount))
	cat := catalog.New(store.Catalog())

	opts := []market.Option{market.WithLogger(logger)}
	var notifiers delivery.Notifiers
	if cfg.Delivery.WebhookURL != "" {
		wh := delivery.NewWebhook(cfg.Delivery.WebhookURL, cfg.Delivery.Timeout)
		opts = append(opts, market.WithGateway(wh))
		notifiers = append(notifiers, wh)
		logger.Info("delivering through webhook", "url", cfg.Delivery.WebhookURL)
	} else {
		dev := delivery.NewLog(logger)
		opts = append(opts, market.WithGateway(dev))
		notifiers = append(notifiers, dev)
		logger.Warn("no delivery webhook configured, deliveries are only logged")
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := delivery.NewKafkaPublisher(cfg.Kafka.Brokers)
		closers = append(closers, publisher)
		notifiers = append(notifiers, delivery.NewEventNotifier(publisher, cfg.Kafka.SalesTopic))
		opts = append(opts, market.WithAffiliateLog(delivery.NewAffiliateEvents(publisher, cfg.Kafka.AffiliateTopic)))
		logger.Info("publishing sale events", "brokers", cfg.Kafka.Brokers)
	}
	opts = append(opts, market.WithNotifier(notifiers))

	engine := market.NewEngine(store, l, marketCfg, opts...)

	// A corrupted ledger halts mutations; reads keep working.
	if err := l.Verify(ctx); err != nil {
		logger.Error("ledger verification failed, financial operations halted", "error", err)
	} else {
		logger.Info("ledger verified")
	}

	// Redis: quote cache and idempotency keys
	quoteCache := quote.Cache(quote.NewMemoryCache())
	idempotency := api.IdempotencyStore(api.NewMemoryIdempotency())
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		closers = append(closers, rdb)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		quoteCache = quote.NewRedisCache(rdb)
		idempotency = api.NewRedisIdempotency(rdb)
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}
	quotes := quote.NewRouter(logger,
		quote.NewCached(quote.SimulatedCrypto(), quoteCache, cfg.Redis.QuoteTTL, logger),
		quote.NewCached(quote.SimulatedFX(), quoteCache, cfg.Redis.QuoteTTL, logger),
	)

	// HTTP
	var auth api.Authenticator = api.HeaderAuth{}
	if cfg.Auth.JWTSecret != "" {
		auth = api.NewJWTAuth(cfg.Auth.JWTSecret)
	} else {
		logger.Warn("no JWT secret configured, trusting the X-User-ID header")
	}

	handler := api.NewHandler(engine, cat, l, quotes, logger)
	handler.RedeliveryMaxAttempts = cfg.Redelivery.MaxAttempts
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Auth:           auth,
		Idempotency:    idempotency,
		IdempotencyTTL: cfg.Redis.IdempotencyTTL,
	})

	scheduler := api.NewRedeliveryScheduler(engine, logger)
	scheduler.CheckInterval = cfg.Redelivery.Interval
	scheduler.MinAge = cfg.Redelivery.MinAge
	scheduler.MaxAttempts = cfg.Redelivery.MaxAttempts
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openStore(ctx context.Context, cfg config.StoreConfig) (marketStore, io.Closer, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite %s: %w", cfg.SQLitePath, err)
		}
		return s, s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		return s, closerFunc(func() error { s.Close(); return nil }), nil
	case "memory":
		return memory.New(), closerFunc(func() error { return nil }), nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
