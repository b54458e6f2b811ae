package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Dhoini/Entitlement-service/internal/repository"
	"github.com/Dhoini/Entitlement-service/internal/stripe"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
)

// Ключи метаданных, которыми приложение помечает объекты Stripe при создании
// checkout-сессий и подписок.
const (
	metadataAccountIDKey = "account_id"
	metadataFamilyIDsKey = "family_account_ids"
)

// ResolutionKind вид результата резолвинга.
type ResolutionKind int

const (
	ResolutionUnresolved ResolutionKind = iota
	ResolutionSingleAccount
	ResolutionMultiAccount
)

// Resolution результат сопоставления биллингового объекта с аккаунтами.
type Resolution struct {
	Kind       ResolutionKind
	AccountIDs []string
}

// IdentityResolver находит внутренние аккаунты по payload события.
// Порядок: явный account_id в метаданных → список family_account_ids →
// поиск по email клиента (legacy-путь).
type IdentityResolver struct {
	accounts     repository.AccountRepository
	stripeClient stripe.Client
	log          *logger.Logger
}

// NewIdentityResolver создает новый резолвер аккаунтов.
func NewIdentityResolver(accounts repository.AccountRepository, stripeClient stripe.Client, log *logger.Logger) *IdentityResolver {
	return &IdentityResolver{
		accounts:     accounts,
		stripeClient: stripeClient,
		log:          log,
	}
}

// Resolve сопоставляет объект события с аккаунтами. Неразрешимый payload -
// это Resolution{Kind: ResolutionUnresolved}, а не ошибка: ошибка здесь
// означает временный сбой коллаборатора (Stripe, БД).
func (r *IdentityResolver) Resolve(ctx context.Context, data map[string]interface{}) (Resolution, error) {
	metadata := getMetadata(data)

	// 1. Явный внутренний ID аккаунта - авторитетный путь.
	// Поддерживает несколько одновременных подписок на один email.
	if metadata != nil {
		if accountID, ok := metadata[metadataAccountIDKey].(string); ok && accountID != "" {
			return Resolution{Kind: ResolutionSingleAccount, AccountIDs: []string{accountID}}, nil
		}

		// 2. Семейная подписка: встроенный список ID аккаунтов.
		if rawIDs, ok := metadata[metadataFamilyIDsKey].(string); ok && rawIDs != "" {
			ids := parseFamilyAccountIDs(rawIDs)
			if len(ids) > 0 {
				return Resolution{Kind: ResolutionMultiAccount, AccountIDs: ids}, nil
			}
			r.log.Warnw("Family metadata present but contains no account IDs", "raw", rawIDs)
		}
	}

	// 3. Legacy-путь: ищем аккаунт по email клиента Stripe.
	customerID := getStringValue(data, "customer")
	if customerID == "" {
		return Resolution{Kind: ResolutionUnresolved}, nil
	}

	email, err := r.stripeClient.GetCustomerEmail(ctx, customerID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolver: failed to fetch customer email: %w", err)
	}
	if email == "" {
		r.log.Warnw("Stripe customer has no email, cannot resolve account", "stripeCustomerID", customerID)
		return Resolution{Kind: ResolutionUnresolved}, nil
	}

	accounts, err := r.accounts.FindByEmail(ctx, email)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolver: failed to find accounts by email: %w", err)
	}
	if len(accounts) == 0 {
		return Resolution{Kind: ResolutionUnresolved}, nil
	}

	// Email не уникален. Берем самый старый аккаунт - известное ограничение
	// legacy-пути, не чиним молча.
	if len(accounts) > 1 {
		r.log.Warnw("Multiple accounts share the same email, using the oldest one",
			"email", email, "count", len(accounts), "accountID", accounts[0].AccountID)
	}

	return Resolution{Kind: ResolutionSingleAccount, AccountIDs: []string{accounts[0].AccountID}}, nil
}

// parseFamilyAccountIDs разбирает список ID из метаданных ("p1,p2,p3").
func parseFamilyAccountIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		id := strings.TrimSpace(p)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
