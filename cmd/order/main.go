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
	"go.uber.org/zap"

	orderHTTP "github.com/jimm9Tran/UDPT-sub001/internal/order/transport/http"
	orderKafka "github.com/jimm9Tran/UDPT-sub001/internal/order/transport/kafka"

	"github.com/jimm9Tran/UDPT-sub001/internal/order/client"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/repository"
	"github.com/jimm9Tran/UDPT-sub001/internal/order/service"
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

	tp, err := utils.InitTracer(ctx, "order-service")
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

	outboxRepo := outboxRepository.NewOutboxRepository(pool, logger)
	orderRepo := repository.NewOrderRepository(pool, outboxRepo, logger)

	inventoryClient := client.NewInventoryClient(cfg.Services.CatalogURL, logger)
	orderService := service.NewOrderService(orderRepo, inventoryClient, logger)

	kafkaProducer, err := pkgKafka.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Fatalf("error creating kafka producer: %v", err)
	}

	outboxProcessor := worker.NewOutboxProcessor(pool, outboxRepo, kafkaProducer, logger)
	go outboxProcessor.Start(ctx)

	expirer := service.NewExpirer(orderService, cfg.Checkout.SweepInterval, logger)
	go expirer.Start(ctx)

	consumer := orderKafka.NewConsumer(orderService, pool, logger)
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

	handler := orderHTTP.NewHandler(orderService, logger)
	handler.RegisterRoutes(app)

	go func() {
		if err := app.Listen(cfg.HTTP.Port); err != nil {
			log.Fatalf("error serving http: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, exit := context.WithTimeout(context.WithoutCancel(ctx), time.Second*5)
	defer exit()

	ctxlog.Info(shutdownCtx, logger, "Shutting down order service")

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
