package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/Entitlement-service/internal/config"
	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/internal/service"
	"github.com/Dhoini/Entitlement-service/internal/stripe"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
	"github.com/Dhoini/Entitlement-service/pkg/res"

	"github.com/gin-gonic/gin"
)

const (
	// Ограничение на размер тела запроса вебхука (Stripe рекомендует ~65kb)
	maxRequestBodySize = int64(65536)
)

// WebhookHandler обрабатывает входящие вебхуки от Stripe.
type WebhookHandler struct {
	verifier      stripe.Verifier
	service       service.WebhookService
	log           *logger.Logger
	webhookSecret string // Секретный ключ для проверки подписи вебхука (whsec_...)
}

// NewWebhookHandler создает новый экземпляр WebhookHandler.
func NewWebhookHandler(cfg *config.Config, verifier stripe.Verifier, svc service.WebhookService, log *logger.Logger) (*WebhookHandler, error) {
	if cfg.Stripe.WebhookSecret == "" {
		log.Errorw("Stripe webhook secret is not configured")
		return nil, errors.New("stripe webhook secret is not configured")
	}
	return &WebhookHandler{
		verifier:      verifier,
		service:       svc,
		log:           log,
		webhookSecret: cfg.Stripe.WebhookSecret,
	}, nil
}

// HandleStripeWebhook - обработчик для Gin, принимающий вебхуки Stripe.
//
// Коды ответа управляют ретраями провайдера: 400 для невалидной подписи,
// 200 для обработанных, дублей, незнакомых типов и невосстановимых
// бизнес-ошибок, 5xx только для временных сбоев, которые ретрай починит.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	// Читаем сырое тело ровно один раз: подпись покрывает буквальные байты
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	payload, err := io.ReadAll(c.Request.Body)
	defer c.Request.Body.Close()

	if err != nil {
		h.log.Errorw("Failed to read webhook request body", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Cannot read request body"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		h.log.Warnw("Missing Stripe-Signature header")
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Missing Stripe-Signature header"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	// Верификация до любой записи: при невалидной подписи ledger не трогаем
	event, err := h.verifier.Verify(payload, sigHeader, h.webhookSecret)
	if err != nil {
		h.log.Errorw("Webhook signature verification failed", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Webhook signature verification failed"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	h.log.Infow("Received verified Stripe event", "eventID", event.ID, "eventType", event.Type)

	if err := h.service.ProcessEvent(ctx, event, payload); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			// Повторная доставка - штатная работа провайдера, не ошибка
			h.log.Infow("Duplicate event delivery acknowledged", "eventID", event.ID)
			c.Status(http.StatusOK)
			return
		}

		if !domain.IsRetryable(err) {
			// Ретрай не починит: подтверждаем доставку, проблема уже
			// зафиксирована в ledger для оператора
			h.log.Warnw("Event failed with non-retryable error, acknowledging",
				"eventID", event.ID, "error", err)
			c.Status(http.StatusOK)
			return
		}

		h.log.Errorw("Error processing webhook event", "error", err, "eventID", event.ID, "eventType", event.Type)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Internal server error processing webhook"}, http.StatusInternalServerError)
		c.Abort()
		return
	}

	c.Status(http.StatusOK)
}
