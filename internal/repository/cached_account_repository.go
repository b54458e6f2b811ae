package repository

import (
	"context"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
)

// AccountCache то, что декоратору нужно от кеша аккаунтов.
// Реализуется RedisCacheRepository.
type AccountCache interface {
	GetCachedAccount(ctx context.Context, accountID string) (*domain.Account, error)
	CacheAccount(ctx context.Context, account *domain.Account) error
	InvalidateAccount(ctx context.Context, accountID string) error
}

// CachedAccountRepository реализует AccountRepository с кешированием.
// Ошибки кеша не фатальны: продолжаем с основным хранилищем.
type CachedAccountRepository struct {
	repo  AccountRepository
	cache AccountCache
	log   *logger.Logger
}

// NewCachedAccountRepository создает новый репозиторий с кешированием
func NewCachedAccountRepository(
	repo AccountRepository,
	cache AccountCache,
	log *logger.Logger,
) AccountRepository {
	return &CachedAccountRepository{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// GetByID получает аккаунт (сначала из кеша, потом из БД)
func (r *CachedAccountRepository) GetByID(ctx context.Context, accountID string) (*domain.Account, error) {
	cached, err := r.cache.GetCachedAccount(ctx, accountID)
	if err != nil {
		r.log.Warnw("Error getting account from cache", "error", err, "accountID", accountID)
	}
	if cached != nil {
		r.log.Debugw("Account found in cache", "accountID", accountID)
		return cached, nil
	}

	account, err := r.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if err := r.cache.CacheAccount(ctx, account); err != nil {
		r.log.Warnw("Failed to cache account after fetching", "error", err, "accountID", accountID)
	}

	return account, nil
}

// FindByEmail всегда ходит в БД: запросы по email редкие (legacy-путь
// резолвера) и кешировать их по неуникальному ключу смысла нет.
func (r *CachedAccountRepository) FindByEmail(ctx context.Context, email string) ([]domain.Account, error) {
	return r.repo.FindByEmail(ctx, email)
}

// ApplyBillingUpdate пишет в БД и инвалидирует кеш аккаунта
func (r *CachedAccountRepository) ApplyBillingUpdate(ctx context.Context, accountID string, upd domain.BillingUpdate) error {
	if err := r.repo.ApplyBillingUpdate(ctx, accountID, upd); err != nil {
		return err
	}

	if err := r.cache.InvalidateAccount(ctx, accountID); err != nil {
		r.log.Warnw("Failed to invalidate account cache after billing update", "error", err, "accountID", accountID)
	}

	return nil
}

// ListBySubscriptionID всегда ходит в БД (используется только при fan-out)
func (r *CachedAccountRepository) ListBySubscriptionID(ctx context.Context, subscriptionID string) ([]domain.Account, error) {
	return r.repo.ListBySubscriptionID(ctx, subscriptionID)
}
