package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	accountKeyPrefix = "account:"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute
)

// RedisCacheRepository кеширует аккаунты в Redis. Горячий путь чтения
// entitlement для остального приложения не ходит в Postgres.
type RedisCacheRepository struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCacheRepository{
		client: client,
		log:    log,
	}, nil
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// CacheAccount кеширует аккаунт в Redis
func (r *RedisCacheRepository) CacheAccount(ctx context.Context, account *domain.Account) error {
	key := accountKeyPrefix + account.AccountID

	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account for cache: %w", err)
	}

	if err := r.client.Set(ctx, key, data, defaultCacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache account: %w", err)
	}

	return nil
}

// GetCachedAccount возвращает аккаунт из кеша или nil, если его там нет
func (r *RedisCacheRepository) GetCachedAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	key := accountKeyPrefix + accountID

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account from cache: %w", err)
	}

	var account domain.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached account: %w", err)
	}

	return &account, nil
}

// InvalidateAccount удаляет аккаунт из кеша после записи биллинговых полей
func (r *RedisCacheRepository) InvalidateAccount(ctx context.Context, accountID string) error {
	key := accountKeyPrefix + accountID

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate account cache: %w", err)
	}

	return nil
}
