package service

import (
	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/stripe/stripe-go/v78"
)

// KindForEventType отображает тип события Stripe в закрытое множество
// обрабатываемых видов. Все новые/незнакомые типы провайдера попадают
// в Unhandled и подтверждаются успехом, иначе Stripe ретраит их вечно.
func KindForEventType(eventType stripe.EventType) domain.EventKind {
	switch eventType {
	case "checkout.session.completed":
		return domain.EventKindCheckoutCompleted
	case "customer.subscription.created", "customer.subscription.updated":
		return domain.EventKindSubscriptionUpserted
	case "invoice.payment_succeeded", "invoice.paid":
		return domain.EventKindInvoicePaid
	case "invoice.payment_failed":
		return domain.EventKindPaymentFailed
	case "customer.subscription.deleted":
		return domain.EventKindSubscriptionDeleted
	default:
		return domain.EventKindUnhandled
	}
}
