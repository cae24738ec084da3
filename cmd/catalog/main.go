package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	catalogHTTP "github.com/jimm9Tran/UDPT-sub001/internal/catalog/transport/http"
	catalogKafka "github.com/jimm9Tran/UDPT-sub001/internal/catalog/transport/kafka"

	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/repository"
	"github.com/jimm9Tran/UDPT-sub001/internal/catalog/service"
	"github.com/jimm9Tran/UDPT-sub001/pkg/config"
	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
	"github.com/jimm9Tran/UDPT-sub001/pkg/db"
	pkgKafka "github.com/jimm9Tran/UDPT-sub001/pkg/kafka"
	outboxRepository "github.com/jimm9Tran/UDPT-sub001/pkg/outbox/repository"
	"github.com/jimm9Tran/UDPT-sub001/pkg/outbox/worker"
	"github.com/jimm9Tran/UDPT-sub001/pkg/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()

	tp, err := utils.InitTracer(ctx, "catalog-service")
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	logger, err := config.NewLogger(config.LoggerConfig{Level: "info", Env: cfg.Env})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := db.NewPool(cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})

	outboxRepo := outboxRepository.NewOutboxRepository(pool, logger)
	productRepo := repository.NewProductRepository(pool, outboxRepo, logger)

	productService := service.NewCachedProductService(
		service.NewProductService(productRepo, logger),
		redisClient,
	)
	inventoryService := service.NewInventoryService(productRepo, cfg.Checkout.ReservationTTL, logger)

	kafkaProducer, err := pkgKafka.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Fatalf("error creating kafka producer: %v", err)
	}

	outboxProcessor := worker.NewOutboxProcessor(pool, outboxRepo, kafkaProducer, logger)
	go outboxProcessor.Start(ctx)

	sweeper := service.NewSweeper(inventoryService, cfg.Checkout.SweepInterval, logger)
	go sweeper.Start(ctx)

	consumer := catalogKafka.NewConsumer(inventoryService, pool, logger)
	go consumer.Start(ctx, cfg.Kafka.Brokers)

	app := fiber.New()
	app.Use(otelfiber.Middleware())
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.Limiter.Max,
		Expiration: cfg.Limiter.Expiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests. Try again later.",
			})
		},
	}))

	handler := catalogHTTP.NewHandler(productService, inventoryService, logger)
	handler.RegisterRoutes(app)

	go func() {
		if err := app.Listen(cfg.HTTP.Port); err != nil {
			log.Fatalf("error serving http: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, exit := context.WithTimeout(context.WithoutCancel(ctx), time.Second*5)
	defer exit()

	ctxlog.Info(shutdownCtx, logger, "Shutting down catalog service")

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		ctxlog.Warn(shutdownCtx, logger, "Failed to shut down http server", zap.Error(err))
	}

	if err := kafkaProducer.Close(); err != nil {
		ctxlog.Warn(shutdownCtx, logger, "Failed to close kafka producer", zap.Error(err))
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		ctxlog.Warn(shutdownCtx, logger, "Failed to shut down telemetry", zap.Error(err))
	}

	pool.Close()
}
