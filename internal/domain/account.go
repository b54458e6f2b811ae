package domain

import "time"

// EntitlementStatus внутренний статус доступа аккаунта.
// Единственный источник правды для остального приложения,
// мутируется только этим сервисом.
type EntitlementStatus string

const (
	EntitlementStatusFree     EntitlementStatus = "free"
	EntitlementStatusTrialing EntitlementStatus = "trialing"
	EntitlementStatusActive   EntitlementStatus = "active"
	EntitlementStatusPastDue  EntitlementStatus = "past_due"
	EntitlementStatusCanceled EntitlementStatus = "canceled"
)

// Account представляет аккаунт пользователя с биллинговыми полями.
// Создается при регистрации со статусом free, удаляется вне этого сервиса.
type Account struct {
	AccountID             string            `db:"account_id" json:"account_id"`
	Email                 string            `db:"email" json:"email"`
	EntitlementStatus     EntitlementStatus `db:"entitlement_status" json:"entitlement_status"`
	BillingSubscriptionID string            `db:"billing_subscription_id" json:"billing_subscription_id,omitempty"`
	BillingCustomerID     string            `db:"billing_customer_id" json:"billing_customer_id,omitempty"`
	EntitlementExpiresAt  *time.Time        `db:"entitlement_expires_at" json:"entitlement_expires_at,omitempty"`
	CreatedAt             time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time         `db:"updated_at" json:"updated_at"`
}

// BillingUpdate одна идемпотентная запись биллинговых полей аккаунта.
// Повторное применение тех же значений - no-op.
type BillingUpdate struct {
	Status         EntitlementStatus
	SubscriptionID string
	CustomerID     string
	ExpiresAt      *time.Time
}
