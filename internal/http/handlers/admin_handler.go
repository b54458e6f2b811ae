package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/internal/repository"
	"github.com/Dhoini/Entitlement-service/internal/service"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
	"github.com/Dhoini/Entitlement-service/pkg/req"
	"github.com/Dhoini/Entitlement-service/pkg/res"

	"github.com/gin-gonic/gin"
)

// AdminHandler операторский API: просмотр ledger, повторная обработка
// упавших событий и ручная починка entitlement.
type AdminHandler struct {
	service  service.WebhookService
	accounts repository.AccountRepository
	log      *logger.Logger
}

// NewAdminHandler создает новый операторский обработчик.
func NewAdminHandler(svc service.WebhookService, accounts repository.AccountRepository, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		service:  svc,
		accounts: accounts,
		log:      log,
	}
}

// ListEvents возвращает строки ledger (новые в начале).
func (h *AdminHandler) ListEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	events, err := h.service.GetEvents(c.Request.Context(), limit, offset)
	if err != nil {
		h.log.Errorw("Failed to list webhook events", "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Failed to list events"}, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "limit": limit, "offset": offset})
}

// GetEvent возвращает строку ledger по ID события провайдера.
func (h *AdminHandler) GetEvent(c *gin.Context) {
	event, err := h.service.GetEventByExternalID(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Event not found"}, http.StatusNotFound)
			return
		}
		h.log.Errorw("Failed to get webhook event", "error", err, "eventID", c.Param("event_id"))
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Failed to get event"}, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, event)
}

// RetryEvent повторно обрабатывает упавшее событие из сохраненного payload.
func (h *AdminHandler) RetryEvent(c *gin.Context) {
	eventID := c.Param("event_id")

	if err := h.service.RetryEvent(c.Request.Context(), eventID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Event not found"}, http.StatusNotFound)
			return
		}
		h.log.Errorw("Failed to retry webhook event", "error", err, "eventID", eventID)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: err.Error()}, http.StatusConflict)
		return
	}

	c.JSON(http.StatusOK, gin.H{"retried": true, "event_id": eventID})
}

// GetEntitlement возвращает текущий entitlement аккаунта.
// Горячий путь чтения для остального приложения, идет через кеш.
func (h *AdminHandler) GetEntitlement(c *gin.Context) {
	accountID := c.Param("account_id")

	account, err := h.accounts.GetByID(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Account not found"}, http.StatusNotFound)
			return
		}
		h.log.Errorw("Failed to get account", "error", err, "accountID", accountID)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Failed to get account"}, http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":         account.AccountID,
		"entitlement_status": account.EntitlementStatus,
		"expires_at":         account.EntitlementExpiresAt,
	})
}

// entitlementOverrideRequest тело запроса ручной починки entitlement.
type entitlementOverrideRequest struct {
	Status         string     `json:"status" validate:"required,oneof=free trialing active past_due canceled"`
	SubscriptionID string     `json:"subscription_id"`
	CustomerID     string     `json:"customer_id"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// OverrideEntitlement ручная запись entitlement оператором - выход для
// событий, упавших с unresolved identity.
func (h *AdminHandler) OverrideEntitlement(c *gin.Context) {
	accountID := c.Param("account_id")

	body, err := req.HandleBody[entitlementOverrideRequest](c.Writer, c.Request, h.log)
	if err != nil {
		return
	}

	upd := domain.BillingUpdate{
		Status:         domain.EntitlementStatus(body.Status),
		SubscriptionID: body.SubscriptionID,
		CustomerID:     body.CustomerID,
		ExpiresAt:      body.ExpiresAt,
	}

	if err := h.accounts.ApplyBillingUpdate(c.Request.Context(), accountID, upd); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Account not found"}, http.StatusNotFound)
			return
		}
		h.log.Errorw("Failed to override entitlement", "error", err, "accountID", accountID)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Failed to update account"}, http.StatusInternalServerError)
		return
	}

	h.log.Warnw("Entitlement manually overridden by operator", "accountID", accountID, "status", body.Status)
	c.JSON(http.StatusOK, gin.H{"updated": true, "account_id": accountID})
}
