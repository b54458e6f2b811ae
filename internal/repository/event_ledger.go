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

// EventLedgerRepository интерфейс idempotency ledger: дедупликация
// доставок событий и аудит обработки.
type EventLedgerRepository interface {
	// GetByExternalID возвращает строку ledger по ID события провайдера.
	GetByExternalID(ctx context.Context, externalID string) (*domain.BillingEvent, error)

	// InsertPending атомарно вставляет новую строку в статусе pending.
	// Возвращает ErrDuplicate, если строка для этого externalID уже есть:
	// уникальный индекс в БД закрывает гонку двух одновременных первых доставок.
	InsertPending(ctx context.Context, event *domain.BillingEvent) error

	// Finalize помечает строку processed/failed и увеличивает счетчик попыток.
	Finalize(ctx context.Context, externalID string, status domain.BillingEventStatus, errorMessage string) error

	// List возвращает строки ledger для операторского API (новые в начале).
	List(ctx context.Context, limit, offset int) ([]domain.BillingEvent, error)
}

type postgresEventLedger struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewPostgresEventLedger создает ledger-репозиторий поверх PostgreSQL.
func NewPostgresEventLedger(db *sqlx.DB, log *logger.Logger) EventLedgerRepository {
	return &postgresEventLedger{db: db, log: log}
}

func (r *postgresEventLedger) GetByExternalID(ctx context.Context, externalID string) (*domain.BillingEvent, error) {
	var event domain.BillingEvent
	query := `
        SELECT id, external_id, type, status, payload, attempt_count,
               received_at, processed_at, error_message
        FROM billing_events
        WHERE external_id = $1`

	err := r.db.GetContext(ctx, &event, query, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.log.Errorw("Failed to get billing event from DB", "error", err, "externalID", externalID)
		return nil, fmt.Errorf("repository: failed to get billing event: %w", err)
	}

	return &event, nil
}

func (r *postgresEventLedger) InsertPending(ctx context.Context, event *domain.BillingEvent) error {
	event.Status = domain.BillingEventStatusPending
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}

	// ON CONFLICT DO NOTHING вместо check-then-act: проверку уникальности
	// делает БД, а не приложение.
	query := `
        INSERT INTO billing_events (
            id, external_id, type, status, payload, attempt_count, received_at
        ) VALUES (
            :id, :external_id, :type, :status, :payload, :attempt_count, :received_at
        )
        ON CONFLICT (external_id) DO NOTHING`

	result, err := r.db.NamedExecContext(ctx, query, event)
	if err != nil {
		r.log.Errorw("Failed to insert billing event into DB", "error", err, "externalID", event.ExternalID)
		return fmt.Errorf("repository: failed to insert billing event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Конкурентная доставка успела первой
		return ErrDuplicate
	}

	r.log.Debugw("Billing event inserted as pending", "externalID", event.ExternalID, "type", event.Type)
	return nil
}

func (r *postgresEventLedger) Finalize(ctx context.Context, externalID string, status domain.BillingEventStatus, errorMessage string) error {
	now := time.Now()

	query := `
        UPDATE billing_events SET
            status = $2,
            error_message = $3,
            processed_at = $4,
            attempt_count = attempt_count + 1
        WHERE external_id = $1`

	result, err := r.db.ExecContext(ctx, query, externalID, status, errorMessage, now)
	if err != nil {
		r.log.Errorw("Failed to finalize billing event in DB", "error", err, "externalID", externalID)
		return fmt.Errorf("repository: failed to finalize billing event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		r.log.Errorw("Failed to get rows affected after finalize", "error", err, "externalID", externalID)
	}
	if rowsAffected == 0 {
		r.log.Warnw("Finalize affected 0 rows", "externalID", externalID)
		return ErrNotFound
	}

	r.log.Debugw("Billing event finalized", "externalID", externalID, "status", status)
	return nil
}

func (r *postgresEventLedger) List(ctx context.Context, limit, offset int) ([]domain.BillingEvent, error) {
	var events []domain.BillingEvent
	query := `
        SELECT id, external_id, type, status, payload, attempt_count,
               received_at, processed_at, error_message
        FROM billing_events
        ORDER BY received_at DESC
        LIMIT $1 OFFSET $2`

	err := r.db.SelectContext(ctx, &events, query, limit, offset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []domain.BillingEvent{}, nil
		}
		r.log.Errorw("Failed to list billing events from DB", "error", err)
		return nil, fmt.Errorf("repository: failed to list billing events: %w", err)
	}

	return events, nil
}
