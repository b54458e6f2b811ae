package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/internal/kafka"
	"github.com/Dhoini/Entitlement-service/internal/metrics"
	"github.com/Dhoini/Entitlement-service/internal/repository"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
	"github.com/hashicorp/go-multierror"
)

// Reconciler применяет изменение статуса к одному или многим аккаунтам.
// Каждая запись идемпотентна и ключуется по accountID, поэтому повторная
// доставка события безопасна.
type Reconciler struct {
	accounts repository.AccountRepository
	producer kafka.Producer // Может быть nil, если Kafka недоступен
	metrics  metrics.WebhookMetrics
	log      *logger.Logger
}

// NewReconciler создает новый reconciler.
func NewReconciler(
	accounts repository.AccountRepository,
	producer kafka.Producer, // Принимаем интерфейс, может быть nil
	m metrics.WebhookMetrics,
	log *logger.Logger,
) *Reconciler {
	if producer == nil {
		log.Warnw("Kafka producer is nil, entitlement event publishing will be skipped")
	}
	return &Reconciler{
		accounts: accounts,
		producer: producer,
		metrics:  m,
		log:      log,
	}
}

// Apply применяет BillingUpdate к результату резолвинга.
func (rc *Reconciler) Apply(ctx context.Context, res Resolution, upd domain.BillingUpdate) error {
	switch res.Kind {
	case ResolutionSingleAccount:
		return rc.applySingle(ctx, res.AccountIDs[0], upd)
	case ResolutionMultiAccount:
		return rc.applyFanOut(ctx, res.AccountIDs, upd)
	default:
		return domain.ErrUnresolvedIdentity
	}
}

func (rc *Reconciler) applySingle(ctx context.Context, accountID string, upd domain.BillingUpdate) error {
	if err := rc.writeAccount(ctx, accountID, upd); err != nil {
		return err
	}
	return nil
}

// applyFanOut применяет обновление к каждому аккаунту из списка и
// отменяет доступ аккаунтам, выпавшим из семейной подписки. Для
// удаленного члена семьи отдельного события не приходит - его
// отсутствие в текущем списке и есть сигнал.
//
// Записи независимы и идут параллельно; частичный сбой не откатывает
// успешные записи, а возвращается пофамильным отчетом, чтобы оператор
// мог переиграть только упавшие.
func (rc *Reconciler) applyFanOut(ctx context.Context, accountIDs []string, upd domain.BillingUpdate) error {
	members := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		members[id] = struct{}{}
	}

	// Аккаунты, привязанные к подписке, но отсутствующие в новом списке
	var dropped []domain.Account
	if upd.SubscriptionID != "" {
		linked, err := rc.accounts.ListBySubscriptionID(ctx, upd.SubscriptionID)
		if err != nil {
			return fmt.Errorf("reconciler: failed to list linked accounts: %w", err)
		}
		for _, acc := range linked {
			if _, ok := members[acc.AccountID]; !ok {
				dropped = append(dropped, acc)
			}
		}
	}

	now := time.Now()

	var (
		mu   sync.Mutex
		merr *multierror.Error
		wg   sync.WaitGroup
	)

	record := func(accountID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		merr = multierror.Append(merr, fmt.Errorf("account %s: %w", accountID, err))
	}

	for _, id := range accountIDs {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			if err := rc.writeAccount(ctx, accountID, upd); err != nil {
				record(accountID, err)
			}
		}(id)
	}

	for _, acc := range dropped {
		wg.Add(1)
		go func(acc domain.Account) {
			defer wg.Done()
			cancelUpd := domain.BillingUpdate{
				Status:         domain.EntitlementStatusCanceled,
				SubscriptionID: acc.BillingSubscriptionID,
				CustomerID:     acc.BillingCustomerID,
				ExpiresAt:      &now,
			}
			if err := rc.writeAccount(ctx, acc.AccountID, cancelUpd); err != nil {
				record(acc.AccountID, err)
			} else {
				rc.log.Infow("Account dropped from family subscription, entitlement canceled",
					"accountID", acc.AccountID, "subscriptionID", upd.SubscriptionID)
			}
		}(acc)
	}

	wg.Wait()

	return merr.ErrorOrNil()
}

// writeAccount одна идемпотентная запись биллинговых полей плюс
// публикация события для downstream-потребителей.
func (rc *Reconciler) writeAccount(ctx context.Context, accountID string, upd domain.BillingUpdate) error {
	if err := rc.accounts.ApplyBillingUpdate(ctx, accountID, upd); err != nil {
		rc.metrics.IncFanOutWrite("error")
		if errors.Is(err, repository.ErrNotFound) {
			// Аккаунта нет - ретраить доставку бессмысленно, нужен оператор
			rc.log.Errorw("Listed account does not exist", "accountID", accountID)
			return fmt.Errorf("%w: account %s not found", domain.ErrUnresolvedIdentity, accountID)
		}
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}

	rc.metrics.IncFanOutWrite("ok")

	if rc.producer != nil {
		event := kafka.EntitlementEvent{
			AccountID:      accountID,
			Status:         upd.Status,
			SubscriptionID: upd.SubscriptionID,
			ExpiresAt:      upd.ExpiresAt,
			OccurredAt:     time.Now(),
		}
		// Публикация best-effort: потеря события не должна фейлить обработку,
		// потребители в любом случае сверяются с БД
		if err := rc.producer.PublishEntitlementEvent(ctx, event); err != nil {
			rc.log.Errorw("Failed to publish entitlement event", "error", err, "accountID", accountID)
		}
	}

	return nil
}
