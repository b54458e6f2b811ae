package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dhoini/Entitlement-service/internal/app"
	"github.com/Dhoini/Entitlement-service/internal/config"
	internalhttp "github.com/Dhoini/Entitlement-service/internal/http"
	"github.com/Dhoini/Entitlement-service/internal/http/routes"
	"github.com/Dhoini/Entitlement-service/internal/kafka"
	"github.com/Dhoini/Entitlement-service/internal/metrics"
	"github.com/Dhoini/Entitlement-service/internal/repository"
	"github.com/Dhoini/Entitlement-service/internal/service"
	"github.com/Dhoini/Entitlement-service/internal/stripe"
	"github.com/Dhoini/Entitlement-service/pkg/logger"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Загрузка конфигурации (.env подхватывается внутри LoadConfig)
	cfg, err := config.LoadConfig()
	if err != nil {
		// Логгер еще не создан, уровень неизвестен
		logger.New(logger.ERROR).Fatal("Failed to load configuration: %v", err)
	}

	log := logger.New(logger.ParseLevel(cfg.Logging.Level))

	// Инициализация Prometheus
	promRegistry := prometheus.NewRegistry()
	webhookMetrics := metrics.NewWebhookMetrics(promRegistry, log)

	// Подключение к базе данных
	db, err := sqlx.Connect("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Redis кеш для горячего пути чтения entitlement
	cache, err := repository.NewRedisCacheRepository(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis: %v", err)
	}
	defer cache.Close()

	// Kafka продюсер опционален: без него события просто не публикуются
	var producer kafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewKafkaProducer(cfg.Kafka.Brokers, log)
		if err != nil {
			log.Warnw("Failed to create Kafka producer, continuing without publishing", "error", err)
			producer = nil
		} else {
			defer producer.Close()
		}
	}

	// Репозитории
	ledger := repository.NewPostgresEventLedger(db, log)
	accounts := repository.NewCachedAccountRepository(
		repository.NewPostgresAccountRepository(db, log),
		cache,
		log,
	)

	// Интеграция со Stripe
	stripeClient := stripe.NewStripeClient(cfg.Stripe.APIKey, log)
	verifier := stripe.NewWebhookVerifier()

	// Сервисный слой
	resolver := service.NewIdentityResolver(accounts, stripeClient, log)
	reconciler := service.NewReconciler(accounts, producer, webhookMetrics, log)
	webhookService := service.NewWebhookService(ledger, resolver, reconciler, webhookMetrics, log, cfg.App.RequestTimeout)

	// Сборка приложения и маршрутизатора
	application := app.NewApp(cfg, webhookService, accounts, verifier, log)
	router := routes.SetupRouter(application, promRegistry)

	// Создание и запуск HTTP сервера
	server := internalhttp.NewServer(router, cfg, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatal("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped gracefully")
}
