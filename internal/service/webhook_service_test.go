package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v78"
)

// newEvent собирает событие и его сырой payload так, как их отдал бы Stripe.
func newEvent(t *testing.T, id string, eventType stripego.EventType, object map[string]interface{}) (stripego.Event, []byte) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":   id,
		"type": eventType,
		"data": map[string]interface{}{"object": object},
	})
	require.NoError(t, err)

	return stripego.Event{
		ID:   id,
		Type: eventType,
		Data: &stripego.EventData{Object: object},
	}, payload
}

func newTestService(repo *fakeAccountRepo, ledger *fakeLedger) WebhookService {
	log := testLogger()
	client := &fakeStripeClient{}
	resolver := NewIdentityResolver(repo, client, log)
	reconciler := NewReconciler(repo, nil, noopMetrics{}, log)
	return NewWebhookService(ledger, resolver, reconciler, noopMetrics{}, log, 5*time.Second)
}

func TestProcessEventPaymentFailed(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1", EntitlementStatus: domain.EntitlementStatusActive})
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "invoice.payment_failed", map[string]interface{}{
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata":     map[string]interface{}{"account_id": "acc_1"},
	})

	require.NoError(t, svc.ProcessEvent(context.Background(), event, payload))

	assert.Equal(t, domain.EntitlementStatusPastDue, repo.status("acc_1"))

	row := ledger.row("evt_1")
	require.NotNil(t, row)
	assert.Equal(t, domain.BillingEventStatusProcessed, row.Status)
	assert.Equal(t, 1, row.AttemptCount)
	assert.Equal(t, payload, row.Payload)
}

// Повторная доставка обработанного события не запускает хендлер второй раз:
// возвращается ErrDuplicateEvent, который подтверждается без ретрая.
func TestProcessEventDuplicateDelivery(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1"})
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "customer.subscription.updated", map[string]interface{}{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
		"metadata": map[string]interface{}{"account_id": "acc_1"},
	})

	require.NoError(t, svc.ProcessEvent(context.Background(), event, payload))

	err := svc.ProcessEvent(context.Background(), event, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
	assert.False(t, domain.IsRetryable(err))

	assert.Len(t, repo.appliedTo("acc_1"), 1)
	assert.Equal(t, 1, ledger.row("evt_1").AttemptCount)
}

// Конкурентная первая доставка: уникальный индекс отдает ErrDuplicate,
// проигравшая доставка трактуется как "уже видели" и хендлер не запускается.
func TestProcessEventConcurrentDuplicateInsert(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1"})
	ledger := newFakeLedger()
	ledger.insertErr = repository.ErrDuplicate
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "invoice.payment_failed", map[string]interface{}{
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata":     map[string]interface{}{"account_id": "acc_1"},
	})

	err := svc.ProcessEvent(context.Background(), event, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
	assert.False(t, domain.IsRetryable(err))
	assert.Empty(t, repo.appliedTo("acc_1"))
}

// Сбои самого ledger - временные ошибки хранилища, провайдер должен повторить.
func TestProcessEventLedgerFailuresAreTransient(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1"})
	event, payload := newEvent(t, "evt_1", "invoice.payment_failed", map[string]interface{}{
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata":     map[string]interface{}{"account_id": "acc_1"},
	})

	ledger := newFakeLedger()
	ledger.getErr = errors.New("connection refused")
	err := newTestService(repo, ledger).ProcessEvent(context.Background(), event, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientStore)

	ledger = newFakeLedger()
	ledger.insertErr = errors.New("connection refused")
	err = newTestService(repo, ledger).ProcessEvent(context.Background(), event, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientStore)

	ledger = newFakeLedger()
	ledger.finalizeErr = errors.New("connection refused")
	err = newTestService(repo, ledger).ProcessEvent(context.Background(), event, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientStore)
	assert.True(t, domain.IsRetryable(err))
}

func TestProcessEventCheckoutCompleted(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1", EntitlementStatus: domain.EntitlementStatusFree})
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata":     map[string]interface{}{"account_id": "acc_1"},
	})

	require.NoError(t, svc.ProcessEvent(context.Background(), event, payload))

	applied := repo.appliedTo("acc_1")
	require.Len(t, applied, 1)
	assert.Equal(t, domain.EntitlementStatusActive, applied[0].Status)
	assert.Equal(t, "sub_1", applied[0].SubscriptionID)
	assert.Equal(t, "cus_1", applied[0].CustomerID)
}

func TestProcessEventSubscriptionDeleted(t *testing.T) {
	canceledAt := time.Now().Add(-time.Hour).Unix()
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1", EntitlementStatus: domain.EntitlementStatusActive})
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "customer.subscription.deleted", map[string]interface{}{
		"id":          "sub_1",
		"customer":    "cus_1",
		"canceled_at": canceledAt,
		"metadata":    map[string]interface{}{"account_id": "acc_1"},
	})

	require.NoError(t, svc.ProcessEvent(context.Background(), event, payload))

	applied := repo.appliedTo("acc_1")
	require.Len(t, applied, 1)
	assert.Equal(t, domain.EntitlementStatusCanceled, applied[0].Status)
	require.NotNil(t, applied[0].ExpiresAt)
	assert.Equal(t, canceledAt, applied[0].ExpiresAt.Unix())
}

// Незнакомый тип события подтверждается как processed без сайд-эффектов.
func TestProcessEventUnhandledType(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1"})
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "charge.refunded", map[string]interface{}{"id": "ch_1"})

	require.NoError(t, svc.ProcessEvent(context.Background(), event, payload))

	assert.Empty(t, repo.appliedTo("acc_1"))
	assert.Equal(t, domain.BillingEventStatusProcessed, ledger.row("evt_1").Status)
}

// Событие без привязки к аккаунту: строка ledger уходит в failed,
// но ошибка не ретраится, чтобы провайдер не передоставлял вечно.
func TestProcessEventUnresolvedIdentity(t *testing.T) {
	repo := newFakeAccountRepo()
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "customer.subscription.updated", map[string]interface{}{
		"id":     "sub_1",
		"status": "active",
	})

	err := svc.ProcessEvent(context.Background(), event, payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnresolvedIdentity)
	assert.False(t, domain.IsRetryable(err))

	row := ledger.row("evt_1")
	require.NotNil(t, row)
	assert.Equal(t, domain.BillingEventStatusFailed, row.Status)
	assert.NotEmpty(t, row.ErrorMessage)
}

func TestProcessEventInvoiceWithoutSubscription(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1"})
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	// Разовый инвойс без подписки не трогает entitlement
	event, payload := newEvent(t, "evt_1", "invoice.payment_succeeded", map[string]interface{}{
		"customer": "cus_1",
		"metadata": map[string]interface{}{"account_id": "acc_1"},
	})

	require.NoError(t, svc.ProcessEvent(context.Background(), event, payload))
	assert.Empty(t, repo.appliedTo("acc_1"))
	assert.Equal(t, domain.BillingEventStatusProcessed, ledger.row("evt_1").Status)
}

func TestProcessEventTransientFailureThenRetry(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1"})
	repo.failIDs["acc_1"] = errors.New("connection refused")
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "invoice.payment_failed", map[string]interface{}{
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata":     map[string]interface{}{"account_id": "acc_1"},
	})

	err := svc.ProcessEvent(context.Background(), event, payload)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, domain.BillingEventStatusFailed, ledger.row("evt_1").Status)

	// Хранилище ожило, оператор переигрывает событие из сохраненного payload
	delete(repo.failIDs, "acc_1")
	require.NoError(t, svc.RetryEvent(context.Background(), "evt_1"))

	assert.Equal(t, domain.EntitlementStatusPastDue, repo.status("acc_1"))
	row := ledger.row("evt_1")
	assert.Equal(t, domain.BillingEventStatusProcessed, row.Status)
	assert.Equal(t, 2, row.AttemptCount)
}

func TestRetryEventRejectsPending(t *testing.T) {
	ledger := newFakeLedger()
	require.NoError(t, ledger.InsertPending(context.Background(), &domain.BillingEvent{
		ExternalID: "evt_1",
		Type:       "invoice.paid",
		Payload:    []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`),
	}))
	svc := newTestService(newFakeAccountRepo(), ledger)

	err := svc.RetryEvent(context.Background(), "evt_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already being processed")
}

// Успешно обработанное событие переигрывать нельзя.
func TestRetryEventRejectsProcessed(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1"})
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata":     map[string]interface{}{"account_id": "acc_1"},
	})
	require.NoError(t, svc.ProcessEvent(context.Background(), event, payload))

	err := svc.RetryEvent(context.Background(), "evt_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
	assert.Len(t, repo.appliedTo("acc_1"), 1)
}

func TestRetryEventUnknownID(t *testing.T) {
	svc := newTestService(newFakeAccountRepo(), newFakeLedger())
	err := svc.RetryEvent(context.Background(), "evt_missing")
	assert.Error(t, err)
}

// Повторная доставка упавшего события запускает хендлер снова.
func TestProcessEventReattemptsFailedRow(t *testing.T) {
	repo := newFakeAccountRepo(&domain.Account{AccountID: "acc_1"})
	repo.failIDs["acc_1"] = errors.New("deadlock detected")
	ledger := newFakeLedger()
	svc := newTestService(repo, ledger)

	event, payload := newEvent(t, "evt_1", "invoice.payment_failed", map[string]interface{}{
		"subscription": "sub_1",
		"customer":     "cus_1",
		"metadata":     map[string]interface{}{"account_id": "acc_1"},
	})

	require.Error(t, svc.ProcessEvent(context.Background(), event, payload))

	delete(repo.failIDs, "acc_1")
	require.NoError(t, svc.ProcessEvent(context.Background(), event, payload))

	assert.Equal(t, domain.EntitlementStatusPastDue, repo.status("acc_1"))
	assert.Equal(t, domain.BillingEventStatusProcessed, ledger.row("evt_1").Status)
}

func TestGetEventsClampsLimit(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(newFakeAccountRepo(), ledger)

	_, err := svc.GetEvents(context.Background(), -5, -1)
	assert.NoError(t, err)

	_, err = svc.GetEventByExternalID(context.Background(), "")
	assert.Error(t, err)
}
