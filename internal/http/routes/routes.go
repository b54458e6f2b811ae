package routes

import (
	"github.com/Dhoini/Entitlement-service/internal/app"
	"github.com/Dhoini/Entitlement-service/internal/http/handlers"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(a *app.App, registry *prometheus.Registry) *gin.Engine {
	if a.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Подключение middleware
	r.Use(a.LoggerMiddleware)
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.HealthCheck)

	// Prometheus метрики
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		// Операторский API для ledger событий
		events := v1.Group("/webhook-events")
		{
			events.GET("", a.AdminHandler.ListEvents)
			events.GET("/:event_id", a.AdminHandler.GetEvent)
			events.POST("/:event_id/retry", a.AdminHandler.RetryEvent)
		}

		// Entitlement аккаунтов
		accounts := v1.Group("/accounts")
		{
			accounts.GET("/:account_id/entitlement", a.AdminHandler.GetEntitlement)
			accounts.PUT("/:account_id/entitlement", a.AdminHandler.OverrideEntitlement)
		}
	}

	// Вебхуки на корневом уровне роутера
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/stripe", a.WebhookHandler.HandleStripeWebhook)
	}

	return r
}
