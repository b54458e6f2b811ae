package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind закрытое множество видов событий, которые обрабатывает сервис.
// Все прочие типы событий провайдера попадают в EventKindUnhandled
// и подтверждаются без обработки.
type EventKind string

const (
	EventKindCheckoutCompleted    EventKind = "checkout_completed"
	EventKindSubscriptionUpserted EventKind = "subscription_upserted"
	EventKindInvoicePaid          EventKind = "invoice_paid"
	EventKindPaymentFailed        EventKind = "payment_failed"
	EventKindSubscriptionDeleted  EventKind = "subscription_deleted"
	EventKindUnhandled            EventKind = "unhandled"
)

// BillingEventStatus статус обработки события в ledger
type BillingEventStatus string

const (
	BillingEventStatusPending   BillingEventStatus = "pending"
	BillingEventStatusProcessed BillingEventStatus = "processed"
	BillingEventStatusFailed    BillingEventStatus = "failed"
)

// BillingEvent строка idempotency ledger. ExternalID уникален,
// не более одной строки на событие провайдера; строки никогда не удаляются.
type BillingEvent struct {
	ID           uuid.UUID          `db:"id" json:"id"`
	ExternalID   string             `db:"external_id" json:"external_id"` // ID события в платежной системе
	Type         string             `db:"type" json:"type"`               // Тип события как его назвал провайдер
	Status       BillingEventStatus `db:"status" json:"status"`
	Payload      []byte             `db:"payload" json:"payload"`
	AttemptCount int                `db:"attempt_count" json:"attempt_count"`
	ReceivedAt   time.Time          `db:"received_at" json:"received_at"`
	ProcessedAt  *time.Time         `db:"processed_at" json:"processed_at,omitempty"`
	ErrorMessage string             `db:"error_message" json:"error_message,omitempty"`
}
