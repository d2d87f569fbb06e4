package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engagecrm/internal/config"
	"engagecrm/internal/handler"
	"engagecrm/internal/logger"
	"engagecrm/internal/phone"
	"engagecrm/internal/queue"
	"engagecrm/internal/repository"
	"engagecrm/internal/service"
)

const version = "1.0.0"

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format, "engagecrm-api")
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		zl.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		zl.Fatal("Failed to ping database", zap.Error(err))
	}
	zl.Info("Connected to database")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	conn, err := queue.NewConnection(cfg.GetRabbitMQURL(), zl)
	if err != nil {
		zl.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer conn.Close()

	publisher, err := queue.NewPublisher(conn, cfg.RabbitMQ.QueueName)
	if err != nil {
		zl.Fatal("Failed to create publisher", zap.Error(err))
	}

	campaignRepo := repository.NewCampaignRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	contactRepo := repository.NewContactRepository(db)
	segmentRepo := repository.NewSegmentRepository(db)
	blocklistRepo := repository.NewBlocklistRepository(db)

	normalizer := phone.NewNormalizer(cfg.Engine.DefaultPhoneRegion)
	resolver := service.NewSegmentResolver(segmentRepo, contactRepo, blocklistRepo, normalizer, zl)
	sender := service.NewSenderService(cfg.Provider.Timeout, zl)

	campaignSvc := service.NewCampaignService(
		campaignRepo,
		ledgerRepo,
		instanceRepo,
		contactRepo,
		resolver,
		service.NewTemplateService(),
		sender,
		publisher,
		service.SystemClock(),
		loopConfig(cfg),
		zl,
	)

	healthSvc := service.NewHealthService(
		db,
		conn,
		service.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
		version,
	)

	router := handler.NewRouter(
		handler.NewCampaignHandler(campaignSvc, zl),
		handler.NewHealthHandler(healthSvc),
		zl,
	)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zl.Info("API server starting",
			zap.String("addr", server.Addr),
			zap.String("env", cfg.Env),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zl.Info("Shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zl.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func loopConfig(cfg *config.Config) service.LoopConfig {
	return service.LoopConfig{
		MinSendInterval:       cfg.Engine.MinSendInterval,
		BusinessHoursPoll:     cfg.Engine.BusinessHoursPoll,
		MaxMessageLength:      cfg.Engine.MaxMessageLength,
		MaxConsecutiveFailure: cfg.Engine.MaxConsecutiveFail,
		Gateway: service.GatewayConfig{
			DefaultAPIURL: cfg.Provider.APIURL,
			DefaultAPIKey: cfg.Provider.APIKey,
			QuotaLocation: cfg.QuotaLocation(),
		},
	}
}
