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

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tradebridge/internal/api"
	"tradebridge/internal/api/middleware"
	"tradebridge/internal/bot"
	"tradebridge/internal/broker"
	"tradebridge/internal/config"
	"tradebridge/internal/repository"
	"tradebridge/internal/service"
	"tradebridge/internal/websocket"
	"tradebridge/pkg/crypto"
	"tradebridge/pkg/ratelimit"
	"tradebridge/pkg/retry"
	"tradebridge/pkg/utils"
)

func main() {
	// .env необязателен: в контейнере переменные приходят из окружения
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log.Logger); err != nil {
		log.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	cipher, err := crypto.NewTokenCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init token cipher: %w", err)
	}

	credentialRepo := repository.NewCredentialRepository(db, cipher)
	riskRepo := repository.NewRiskProfileRepository(db)
	signalRepo := repository.NewSignalRepository()

	httpCfg := broker.DefaultHTTPClientConfig()
	httpCfg.RequestTimeout = cfg.Broker.RequestTimeout
	httpClient := broker.NewHTTPClient(httpCfg)
	defer httpClient.Close()

	factory, err := broker.NewFactory(httpClient, broker.FactoryConfig{
		Broker:      cfg.Broker.Name,
		Environment: cfg.Broker.Environment,
		BaseURL:     cfg.Broker.BaseURL,
		Gateway: broker.GatewayConfig{
			RequestsPerMinute: cfg.Broker.RequestsPerMinute,
			QuoteConcurrency:  cfg.Broker.QuoteConcurrency,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("init broker factory: %w", err)
	}

	hubCfg := websocket.DefaultConfig()
	hubCfg.HeartbeatInterval = cfg.Realtime.HeartbeatInterval
	hubCfg.HeartbeatTimeout = cfg.Realtime.HeartbeatTimeout
	hubCfg.SendBuffer = cfg.Realtime.SendBuffer
	hubCfg.InboundRate = cfg.Realtime.InboundRate
	hubCfg.InboundBurst = cfg.Realtime.InboundBurst
	hubCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	hub := websocket.NewHub(hubCfg, logger.Named("realtime"))
	go hub.Run()
	defer hub.Stop()

	loc := time.Local
	pipeline := bot.NewOrderPipeline(loc, logger.Named("pipeline"))

	brokerService := service.NewBrokerService(cfg.Broker.Name, service.NewSessionManager(factory), credentialRepo, logger.Named("broker"))
	brokerService.SetBroadcaster(hub)
	orderService := service.NewOrderService(brokerService, riskRepo, pipeline, logger.Named("orders"))
	riskService := service.NewRiskService(riskRepo, pipeline, logger.Named("risk"))
	signalService := service.NewSignalService(signalRepo, orderService, logger.Named("signals"))
	signalService.SetBroadcaster(hub)

	var limiter *ratelimit.KeyedLimiter
	if cfg.Server.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewKeyedLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst, 10*time.Minute)
		go cleanupLimiter(ctx, limiter, logger)
	}

	router := api.SetupRoutes(&api.Dependencies{
		BrokerService:  brokerService,
		OrderService:   orderService,
		RiskService:    riskService,
		SignalService:  signalService,
		Hub:            hub,
		Logger:         logger.Named("http"),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Principal: middleware.PrincipalConfig{
			APIKey:           cfg.Security.APIKey,
			DefaultPrincipal: cfg.Principal.DefaultID,
		},
		RateLimiter: limiter,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", server.Addr),
			utils.Broker(cfg.Broker.Name),
			zap.String("environment", cfg.Broker.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}

// initDatabase открывает БД и применяет схему, ожидая готовности сервера БД
func initDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sqlx.DB, error) {
	retryCfg := retry.DefaultConfig()
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("database not ready",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	db, err := retry.DoWithResult(ctx, retryCfg, func(ctx context.Context) (*sqlx.DB, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		db, err := repository.Open(pingCtx, cfg.Database.Driver, cfg.Database.DSN())
		if errors.Is(err, repository.ErrUnsupportedDriver) {
			return nil, retry.Permanent(err)
		}
		return db, err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database %s: %w", cfg.Database.DSNWithoutPassword(), err)
	}

	if cfg.Database.Driver == repository.DriverPostgres {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("connected to database", zap.String("driver", cfg.Database.Driver))
	return db, nil
}

// cleanupLimiter периодически удаляет бакеты неактивных принципалов
func cleanupLimiter(ctx context.Context, limiter *ratelimit.KeyedLimiter, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Cleanup(); n > 0 {
				logger.Debug("rate limiter buckets evicted", zap.Int("count", n), zap.Int("remaining", limiter.Len()))
			}
		}
	}
}
