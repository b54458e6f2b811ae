package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
	"github.com/jmoiron/sqlx"
)

// AccountRepository доступ к аккаунтам. Сервис владеет только
// биллинговыми полями; сами аккаунты создаются при регистрации.
type AccountRepository interface {
	// GetByID возвращает аккаунт по внутреннему ID.
	GetByID(ctx context.Context, accountID string) (*domain.Account, error)

	// FindByEmail возвращает аккаунты с данным email, старые первыми.
	// Email не уникален, вызывающая сторона решает, что делать с неоднозначностью.
	FindByEmail(ctx context.Context, email string) ([]domain.Account, error)

	// ApplyBillingUpdate записывает биллинговые поля одним запросом по accountID.
	// Повторное применение тех же значений - no-op.
	ApplyBillingUpdate(ctx context.Context, accountID string, upd domain.BillingUpdate) error

	// ListBySubscriptionID возвращает аккаунты, привязанные к подписке.
	ListBySubscriptionID(ctx context.Context, subscriptionID string) ([]domain.Account, error)
}

type postgresAccountRepository struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresAccountRepository создает репозиторий аккаунтов для PostgreSQL.
func NewPostgresAccountRepository(db *sqlx.DB, log *logger.Logger) AccountRepository {
	return &postgresAccountRepository{db: db, log: log}
}

const accountColumns = `
        account_id, email, entitlement_status, billing_subscription_id,
        billing_customer_id, entitlement_expires_at, created_at, updated_at`

func (r *postgresAccountRepository) GetByID(ctx context.Context, accountID string) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE account_id = $1`

	err := r.db.GetContext(ctx, &account, query, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.log.Errorw("Failed to get account by ID from DB", "error", err, "accountID", accountID)
		return nil, fmt.Errorf("repository: failed to get account: %w", err)
	}

	return &account, nil
}

func (r *postgresAccountRepository) FindByEmail(ctx context.Context, email string) ([]domain.Account, error) {
	var accounts []domain.Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1 ORDER BY created_at ASC`

	err := r.db.SelectContext(ctx, &accounts, query, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []domain.Account{}, nil
		}
		r.log.Errorw("Failed to find accounts by email in DB", "error", err, "email", email)
		return nil, fmt.Errorf("repository: failed to find accounts by email: %w", err)
	}

	return accounts, nil
}

func (r *postgresAccountRepository) ApplyBillingUpdate(ctx context.Context, accountID string, upd domain.BillingUpdate) error {
	query := `
        UPDATE accounts SET
            entitlement_status = $2,
            billing_subscription_id = $3,
            billing_customer_id = $4,
            entitlement_expires_at = $5,
            updated_at = $6
        WHERE account_id = $1`

	result, err := r.db.ExecContext(ctx, query,
		accountID,
		upd.Status,
		upd.SubscriptionID,
		upd.CustomerID,
		upd.ExpiresAt,
		time.Now(),
	)
	if err != nil {
		r.log.Errorw("Failed to apply billing update in DB", "error", err, "accountID", accountID)
		return fmt.Errorf("repository: failed to apply billing update: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		r.log.Warnw("Billing update affected 0 rows", "accountID", accountID)
		return ErrNotFound
	}

	r.log.Debugw("Billing update applied", "accountID", accountID, "status", upd.Status, "subscriptionID", upd.SubscriptionID)
	return nil
}

func (r *postgresAccountRepository) ListBySubscriptionID(ctx context.Context, subscriptionID string) ([]domain.Account, error) {
	var accounts []domain.Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE billing_subscription_id = $1`

	err := r.db.SelectContext(ctx, &accounts, query, subscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []domain.Account{}, nil
		}
		r.log.Errorw("Failed to list accounts by subscription ID from DB", "error", err, "subscriptionID", subscriptionID)
		return nil, fmt.Errorf("repository: failed to list accounts by subscription: %w", err)
	}

	return accounts, nil
}
