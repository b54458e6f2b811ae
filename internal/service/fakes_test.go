package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/internal/kafka"
	"github.com/Dhoini/Entitlement-service/internal/repository"
	"github.com/Dhoini/Entitlement-service/pkg/logger"
)

func testLogger() *logger.Logger {
	log := logger.New(logger.ERROR)
	log.SetOutput(io.Discard)
	return log
}

// fakeAccountRepo хранит аккаунты в памяти и записывает примененные апдейты.
type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	applied  map[string][]domain.BillingUpdate
	failIDs  map[string]error // Инъекция ошибки записи для конкретного аккаунта
	findErr  error
}

func newFakeAccountRepo(accounts ...*domain.Account) *fakeAccountRepo {
	repo := &fakeAccountRepo{
		accounts: make(map[string]*domain.Account),
		applied:  make(map[string][]domain.BillingUpdate),
		failIDs:  make(map[string]error),
	}
	for _, acc := range accounts {
		repo.accounts[acc.AccountID] = acc
	}
	return repo
}

func (f *fakeAccountRepo) GetByID(_ context.Context, accountID string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *acc
	return &copied, nil
}

func (f *fakeAccountRepo) FindByEmail(_ context.Context, email string) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []domain.Account
	for _, acc := range f.accounts {
		if acc.Email == email {
			out = append(out, *acc)
		}
	}
	// Старые первыми, как в SQL-реализации
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Before(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (f *fakeAccountRepo) ApplyBillingUpdate(_ context.Context, accountID string, upd domain.BillingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failIDs[accountID]; ok {
		return err
	}
	acc, ok := f.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	acc.EntitlementStatus = upd.Status
	acc.BillingSubscriptionID = upd.SubscriptionID
	acc.BillingCustomerID = upd.CustomerID
	acc.EntitlementExpiresAt = upd.ExpiresAt
	acc.UpdatedAt = time.Now()
	f.applied[accountID] = append(f.applied[accountID], upd)
	return nil
}

func (f *fakeAccountRepo) ListBySubscriptionID(_ context.Context, subscriptionID string) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Account
	for _, acc := range f.accounts {
		if acc.BillingSubscriptionID == subscriptionID {
			out = append(out, *acc)
		}
	}
	return out, nil
}

func (f *fakeAccountRepo) appliedTo(accountID string) []domain.BillingUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.BillingUpdate(nil), f.applied[accountID]...)
}

func (f *fakeAccountRepo) status(accountID string) domain.EntitlementStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[accountID].EntitlementStatus
}

// fakeStripeClient отдает email клиента из памяти.
type fakeStripeClient struct {
	emails map[string]string
	err    error
}

func (f *fakeStripeClient) GetCustomerEmail(_ context.Context, customerID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.emails[customerID], nil
}

// fakeLedger реализует idempotency ledger в памяти.
type fakeLedger struct {
	mu          sync.Mutex
	rows        map[string]*domain.BillingEvent
	insertErr   error
	getErr      error
	finalizeErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]*domain.BillingEvent)}
}

func (f *fakeLedger) GetByExternalID(_ context.Context, externalID string) (*domain.BillingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	row, ok := f.rows[externalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (f *fakeLedger) InsertPending(_ context.Context, event *domain.BillingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, exists := f.rows[event.ExternalID]; exists {
		return repository.ErrDuplicate
	}
	event.Status = domain.BillingEventStatusPending
	copied := *event
	f.rows[event.ExternalID] = &copied
	return nil
}

func (f *fakeLedger) Finalize(_ context.Context, externalID string, status domain.BillingEventStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	row, ok := f.rows[externalID]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now()
	row.Status = status
	row.ErrorMessage = errorMessage
	row.ProcessedAt = &now
	row.AttemptCount++
	return nil
}

func (f *fakeLedger) List(_ context.Context, limit, offset int) ([]domain.BillingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.BillingEvent, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (f *fakeLedger) row(externalID string) *domain.BillingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[externalID]
}

// noopMetrics для тестов, где значения метрик не проверяются.
type noopMetrics struct{}

func (noopMetrics) IncEventProcessed(kind, result string)                  {}
func (noopMetrics) ObserveProcessingDuration(kind string, seconds float64) {}
func (noopMetrics) IncFanOutWrite(outcome string)                          {}

// fakeProducer записывает опубликованные события.
type fakeProducer struct {
	mu     sync.Mutex
	events []kafka.EntitlementEvent
}

func (f *fakeProducer) PublishEntitlementEvent(_ context.Context, event kafka.EntitlementEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) published() []kafka.EntitlementEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.EntitlementEvent(nil), f.events...)
}
