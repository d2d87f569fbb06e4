package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engagecrm/internal/config"
	"engagecrm/internal/logger"
	"engagecrm/internal/phone"
	"engagecrm/internal/queue"
	"engagecrm/internal/repository"
	"engagecrm/internal/service"
)

// shutdownTimeout covers one in-flight provider call plus its bookkeeping
const shutdownTimeout = 45 * time.Second

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format, "engagecrm-worker")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		zl.Fatal("Failed to ping redis", zap.Error(err))
	}
	zl.Info("Connected to redis")

	conn, err := queue.NewConnection(cfg.GetRabbitMQURL(), zl)
	if err != nil {
		zl.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer conn.Close()

	campaignRepo := repository.NewCampaignRepository(db)
	clock := service.SystemClock()

	loop := service.NewDeliveryLoop(
		campaignRepo,
		repository.NewLedgerRepository(db),
		repository.NewBlocklistRepository(db),
		repository.NewInstanceRepository(db),
		service.NewSenderService(cfg.Provider.Timeout, zl),
		service.NewTemplateService(),
		phone.NewNormalizer(cfg.Engine.DefaultPhoneRegion),
		clock,
		service.LoopConfig{
			MinSendInterval:       cfg.Engine.MinSendInterval,
			BusinessHoursPoll:     cfg.Engine.BusinessHoursPoll,
			MaxMessageLength:      cfg.Engine.MaxMessageLength,
			MaxConsecutiveFailure: cfg.Engine.MaxConsecutiveFail,
			Gateway: service.GatewayConfig{
				DefaultAPIURL: cfg.Provider.APIURL,
				DefaultAPIKey: cfg.Provider.APIKey,
				QuotaLocation: cfg.QuotaLocation(),
			},
		},
		zl,
	)

	runner := service.NewRunner(loop, service.NewRedisLocker(rdb, cfg.Engine.LeaseTTL), campaignRepo, zl)

	consumer, err := queue.NewConsumer(conn, cfg.RabbitMQ.QueueName, service.NewDeliveryJobHandler(runner, zl), zl)
	if err != nil {
		zl.Fatal("Failed to create consumer", zap.Error(err))
	}
	if err := consumer.Start(ctx); err != nil {
		zl.Fatal("Failed to start consumer", zap.Error(err))
	}

	publisher, err := queue.NewPublisher(conn, cfg.RabbitMQ.QueueName)
	if err != nil {
		zl.Fatal("Failed to create publisher", zap.Error(err))
	}
	if _, err := service.RequeueRunning(ctx, campaignRepo, publisher, clock, zl); err != nil {
		zl.Error("Failed to requeue running campaigns", zap.Error(err))
	}

	zl.Info("Worker started", zap.String("queue", cfg.RabbitMQ.QueueName))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zl.Info("Shutting down worker")

	if err := consumer.Stop(); err != nil {
		zl.Error("Error stopping consumer", zap.Error(err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := runner.Stop(stopCtx); err != nil {
		zl.Error("Delivery loops did not stop in time", zap.Error(err))
	}

	zl.Info("Worker stopped")
}
