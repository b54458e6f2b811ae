package service

import "github.com/Dhoini/Entitlement-service/internal/domain"

// MapProviderStatus чистая функция: статус подписки провайдера →
// внутренний entitlement. Нераспознанный статус всегда отображается
// в free, никогда в сторону active: при сомнении доступ запрещаем.
func MapProviderStatus(providerStatus string) domain.EntitlementStatus {
	switch providerStatus {
	case "active":
		return domain.EntitlementStatusActive
	case "trialing":
		return domain.EntitlementStatusTrialing
	case "past_due":
		return domain.EntitlementStatusPastDue
	case "canceled", "unpaid":
		return domain.EntitlementStatusCanceled
	default:
		return domain.EntitlementStatusFree
	}
}
