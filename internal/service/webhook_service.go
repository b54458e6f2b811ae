package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/internal/metrics"
	"github.com/Dhoini/Entitlement-service/internal/repository"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
	"github.com/google/uuid"
	stripego "github.com/stripe/stripe-go/v78"
)

// WebhookService интерфейс сервиса обработки вебхук-событий.
type WebhookService interface {
	// ProcessEvent проводит верифицированное событие через ledger и хендлер.
	// Повторная доставка уже обработанного события возвращает
	// domain.ErrDuplicateEvent, хендлер при этом не запускается.
	ProcessEvent(ctx context.Context, event stripego.Event, rawPayload []byte) error

	// GetEvents возвращает список строк ledger для операторского API.
	GetEvents(ctx context.Context, limit, offset int) ([]domain.BillingEvent, error)

	// GetEventByExternalID возвращает строку ledger по ID события провайдера.
	GetEventByExternalID(ctx context.Context, externalID string) (domain.BillingEvent, error)

	// RetryEvent повторно обрабатывает ранее упавшее событие.
	RetryEvent(ctx context.Context, externalID string) error
}

type webhookService struct {
	ledger     repository.EventLedgerRepository
	resolver   *IdentityResolver
	reconciler *Reconciler
	metrics    metrics.WebhookMetrics
	log        *logger.Logger
	timeout    time.Duration
}

// NewWebhookService создает новый сервис обработки вебхуков.
func NewWebhookService(
	ledger repository.EventLedgerRepository,
	resolver *IdentityResolver,
	reconciler *Reconciler,
	m metrics.WebhookMetrics,
	log *logger.Logger,
	timeout time.Duration,
) WebhookService {
	return &webhookService{
		ledger:     ledger,
		resolver:   resolver,
		reconciler: reconciler,
		metrics:    m,
		log:        log,
		timeout:    timeout,
	}
}

// ProcessEvent обрабатывает событие: дедупликация через ledger, затем хендлер.
//
// Ledger дает at-most-once на постановку в обработку, но не на сайд-эффекты:
// строка в pending/failed означает повторную попытку хендлера, поэтому все
// записи хендлеров идемпотентны и ключуются бизнес-идентичностью.
func (s *webhookService) ProcessEvent(ctx context.Context, event stripego.Event, rawPayload []byte) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	existing, err := s.ledger.GetByExternalID(ctx, event.ID)
	switch {
	case err == nil:
		if existing.Status == domain.BillingEventStatusProcessed {
			// Уже обработано - подтверждаем без повторных сайд-эффектов
			s.log.Infow("Duplicate event delivery, already processed", "eventID", event.ID, "type", event.Type)
			s.metrics.IncEventProcessed(string(KindForEventType(event.Type)), "duplicate")
			return fmt.Errorf("%w: event %s", domain.ErrDuplicateEvent, event.ID)
		}
		// pending или failed: предыдущая попытка не завершилась, пробуем снова
		s.log.Infow("Re-attempting event", "eventID", event.ID, "status", existing.Status, "attempts", existing.AttemptCount)

	case errors.Is(err, repository.ErrNotFound):
		row := &domain.BillingEvent{
			ID:         uuid.New(),
			ExternalID: event.ID,
			Type:       string(event.Type),
			Payload:    rawPayload,
			ReceivedAt: time.Now(),
		}
		if insErr := s.ledger.InsertPending(ctx, row); insErr != nil {
			if errors.Is(insErr, repository.ErrDuplicate) {
				// Конкурентная доставка того же события успела первой -
				// трактуем как "уже видели" и подтверждаем
				s.log.Infow("Concurrent duplicate delivery detected", "eventID", event.ID)
				s.metrics.IncEventProcessed(string(KindForEventType(event.Type)), "duplicate")
				return fmt.Errorf("%w: concurrent delivery of event %s", domain.ErrDuplicateEvent, event.ID)
			}
			return fmt.Errorf("%w: failed to insert ledger row: %v", domain.ErrTransientStore, insErr)
		}

	default:
		return fmt.Errorf("%w: ledger lookup failed: %v", domain.ErrTransientStore, err)
	}

	return s.process(ctx, event)
}

// process диспетчеризует событие и финализирует строку ledger.
func (s *webhookService) process(ctx context.Context, event stripego.Event) error {
	kind := KindForEventType(event.Type)
	start := time.Now()

	handlerErr := s.handleKind(ctx, kind, event)

	s.metrics.ObserveProcessingDuration(string(kind), time.Since(start).Seconds())

	if handlerErr != nil {
		s.metrics.IncEventProcessed(string(kind), "failed")
		if finErr := s.ledger.Finalize(ctx, event.ID, domain.BillingEventStatusFailed, handlerErr.Error()); finErr != nil {
			s.log.Errorw("Failed to finalize ledger row as failed", "error", finErr, "eventID", event.ID)
			return fmt.Errorf("%w: failed to finalize ledger row: %v", domain.ErrTransientStore, finErr)
		}
		return handlerErr
	}

	s.metrics.IncEventProcessed(string(kind), "processed")
	if finErr := s.ledger.Finalize(ctx, event.ID, domain.BillingEventStatusProcessed, ""); finErr != nil {
		s.log.Errorw("Failed to finalize ledger row as processed", "error", finErr, "eventID", event.ID)
		return fmt.Errorf("%w: failed to finalize ledger row: %v", domain.ErrTransientStore, finErr)
	}

	return nil
}

// handleKind обрабатывает событие в зависимости от вида.
func (s *webhookService) handleKind(ctx context.Context, kind domain.EventKind, event stripego.Event) error {
	data, err := eventData(event)
	if err != nil {
		return fmt.Errorf("failed to parse event data: %w", err)
	}

	switch kind {
	case domain.EventKindCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event, data)
	case domain.EventKindSubscriptionUpserted:
		return s.handleSubscriptionUpserted(ctx, event, data)
	case domain.EventKindInvoicePaid:
		return s.handleInvoicePaid(ctx, event, data)
	case domain.EventKindPaymentFailed:
		return s.handlePaymentFailed(ctx, event, data)
	case domain.EventKindSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event, data)
	default:
		// Незнакомый тип события - не ошибка, подтверждаем и идем дальше
		s.log.Infow("Ignored webhook event type", "eventID", event.ID, "type", event.Type)
		return nil
	}
}

// handleCheckoutCompleted обрабатывает завершение checkout-сессии.
// Сессия не несет статуса подписки, поэтому ставим active оптимистично:
// следующее customer.subscription.* событие поправит, если подписка
// стартовала в trialing.
func (s *webhookService) handleCheckoutCompleted(ctx context.Context, event stripego.Event, data map[string]interface{}) error {
	subscriptionID := getStringValue(data, "subscription")
	customerID := getStringValue(data, "customer")

	res, err := s.resolveOrFail(ctx, event, data)
	if err != nil {
		return err
	}

	upd := domain.BillingUpdate{
		Status:         domain.EntitlementStatusActive,
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
	}
	return s.reconciler.Apply(ctx, res, upd)
}

// handleSubscriptionUpserted обрабатывает создание/обновление подписки.
func (s *webhookService) handleSubscriptionUpserted(ctx context.Context, event stripego.Event, data map[string]interface{}) error {
	subscriptionID := getStringValue(data, "id")
	customerID := getStringValue(data, "customer")
	status := MapProviderStatus(getStringValue(data, "status"))

	var expiresAt *time.Time
	if periodEnd := getTimeValueFromUnix(data, "current_period_end"); !periodEnd.IsZero() {
		expiresAt = &periodEnd
	}

	res, err := s.resolveOrFail(ctx, event, data)
	if err != nil {
		return err
	}

	upd := domain.BillingUpdate{
		Status:         status,
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
		ExpiresAt:      expiresAt,
	}
	return s.reconciler.Apply(ctx, res, upd)
}

// handleInvoicePaid обрабатывает успешную оплату инвойса.
func (s *webhookService) handleInvoicePaid(ctx context.Context, event stripego.Event, data map[string]interface{}) error {
	subscriptionID := getStringValue(data, "subscription")
	if subscriptionID == "" {
		// Разовый платеж, не относится к подписке
		s.log.Infow("Invoice is not related to a subscription, skipping", "eventID", event.ID)
		return nil
	}
	customerID := getStringValue(data, "customer")

	var expiresAt *time.Time
	if periodEnd := getTimeValueFromUnix(data, "period_end"); !periodEnd.IsZero() {
		expiresAt = &periodEnd
	}

	res, err := s.resolveOrFail(ctx, event, data)
	if err != nil {
		return err
	}

	upd := domain.BillingUpdate{
		Status:         domain.EntitlementStatusActive,
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
		ExpiresAt:      expiresAt,
	}
	return s.reconciler.Apply(ctx, res, upd)
}

// handlePaymentFailed обрабатывает неудачную оплату инвойса.
func (s *webhookService) handlePaymentFailed(ctx context.Context, event stripego.Event, data map[string]interface{}) error {
	subscriptionID := getStringValue(data, "subscription")
	if subscriptionID == "" {
		s.log.Infow("Failed invoice is not related to a subscription, skipping", "eventID", event.ID)
		return nil
	}
	customerID := getStringValue(data, "customer")

	res, err := s.resolveOrFail(ctx, event, data)
	if err != nil {
		return err
	}

	upd := domain.BillingUpdate{
		Status:         domain.EntitlementStatusPastDue,
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
	}
	return s.reconciler.Apply(ctx, res, upd)
}

// handleSubscriptionDeleted обрабатывает удаление (отмену) подписки.
func (s *webhookService) handleSubscriptionDeleted(ctx context.Context, event stripego.Event, data map[string]interface{}) error {
	subscriptionID := getStringValue(data, "id")
	customerID := getStringValue(data, "customer")

	expires := getTimeValueFromUnix(data, "canceled_at")
	if expires.IsZero() {
		expires = time.Now()
	}

	res, err := s.resolveOrFail(ctx, event, data)
	if err != nil {
		return err
	}

	upd := domain.BillingUpdate{
		Status:         domain.EntitlementStatusCanceled,
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
		ExpiresAt:      &expires,
	}
	return s.reconciler.Apply(ctx, res, upd)
}

// resolveOrFail резолвит аккаунты события. Неразрешимый payload - это
// невосстановимая ошибка данных: строка ledger уйдет в failed, но HTTP-ответ
// будет успешным, иначе провайдер будет бесконечно передоставлять событие,
// которое не починить ретраями.
func (s *webhookService) resolveOrFail(ctx context.Context, event stripego.Event, data map[string]interface{}) (Resolution, error) {
	res, err := s.resolver.Resolve(ctx, data)
	if err != nil {
		return Resolution{}, err
	}
	if res.Kind == ResolutionUnresolved {
		s.log.Errorw("ALERT: could not resolve account for billing event, manual fix required",
			"eventID", event.ID, "type", event.Type)
		return Resolution{}, fmt.Errorf("%w: event %s", domain.ErrUnresolvedIdentity, event.ID)
	}
	return res, nil
}

// GetEvents возвращает список строк ledger.
func (s *webhookService) GetEvents(ctx context.Context, limit, offset int) ([]domain.BillingEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledger.List(ctx, limit, offset)
}

// GetEventByExternalID возвращает строку ledger по ID события.
func (s *webhookService) GetEventByExternalID(ctx context.Context, externalID string) (domain.BillingEvent, error) {
	if externalID == "" {
		return domain.BillingEvent{}, repository.ErrInvalidData
	}
	row, err := s.ledger.GetByExternalID(ctx, externalID)
	if err != nil {
		return domain.BillingEvent{}, err
	}
	return *row, nil
}

// RetryEvent повторно обрабатывает событие из сохраненного payload.
func (s *webhookService) RetryEvent(ctx context.Context, externalID string) error {
	row, err := s.ledger.GetByExternalID(ctx, externalID)
	if err != nil {
		return err
	}

	switch row.Status {
	case domain.BillingEventStatusPending:
		return fmt.Errorf("event %s is already being processed", externalID)
	case domain.BillingEventStatusProcessed:
		// Переигрывать успешное событие незачем, даже если записи идемпотентны
		return fmt.Errorf("%w: event %s is already processed", domain.ErrDuplicateEvent, externalID)
	}

	var event stripego.Event
	if err := json.Unmarshal(row.Payload, &event); err != nil {
		return fmt.Errorf("%w: stored payload is not a valid event", repository.ErrInvalidData)
	}

	s.log.Infow("Operator retry of event", "eventID", externalID, "previousStatus", row.Status)
	return s.process(ctx, event)
}

// eventData возвращает объект данных события как map.
func eventData(event stripego.Event) (map[string]interface{}, error) {
	if event.Data == nil {
		return nil, errors.New("event has no data")
	}
	if event.Data.Object != nil {
		return event.Data.Object, nil
	}

	var data map[string]interface{}
	if err := json.Unmarshal(event.Data.Raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
