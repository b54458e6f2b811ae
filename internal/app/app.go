package app

import (
	"github.com/Dhoini/Entitlement-service/internal/config"
	"github.com/Dhoini/Entitlement-service/internal/http/handlers"
	"github.com/Dhoini/Entitlement-service/internal/middleware"
	"github.com/Dhoini/Entitlement-service/internal/repository"
	"github.com/Dhoini/Entitlement-service/internal/service"
	"github.com/Dhoini/Entitlement-service/internal/stripe"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
	"github.com/gin-gonic/gin"
)

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config           *config.Config
	WebhookService   service.WebhookService
	WebhookHandler   *handlers.WebhookHandler
	AdminHandler     *handlers.AdminHandler
	LoggerMiddleware gin.HandlerFunc
	Logger           *logger.Logger
}

// NewApp создает и инициализирует новый экземпляр приложения
func NewApp(cfg *config.Config, svc service.WebhookService, accounts repository.AccountRepository, verifier stripe.Verifier, log *logger.Logger) *App {
	// Инициализируем обработчик вебхуков
	webhookHandler, err := handlers.NewWebhookHandler(cfg, verifier, svc, log)
	if err != nil {
		log.Fatalw("Failed to initialize webhook handler", "error", err)
	}

	// Инициализируем операторский API
	adminHandler := handlers.NewAdminHandler(svc, accounts, log)

	// Инициализируем middleware логирования
	loggerMiddleware := middleware.RequestLogger(log)

	return &App{
		Config:           cfg,
		WebhookService:   svc,
		WebhookHandler:   webhookHandler,
		AdminHandler:     adminHandler,
		LoggerMiddleware: loggerMiddleware,
		Logger:           log,
	}
}
