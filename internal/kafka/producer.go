package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/Dhoini/Entitlement-service/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// TopicEntitlementUpdated топик для событий изменения entitlement.
// Дашборды, чат репетитора и генератор квизов читают его,
// чтобы не опрашивать БД.
const TopicEntitlementUpdated = "entitlement_updated"

// EntitlementEvent сообщение об изменении статуса доступа аккаунта.
type EntitlementEvent struct {
	AccountID      string                   `json:"account_id"`
	Status         domain.EntitlementStatus `json:"status"`
	SubscriptionID string                   `json:"subscription_id,omitempty"`
	ExpiresAt      *time.Time               `json:"expires_at,omitempty"`
	OccurredAt     time.Time                `json:"occurred_at"`
}

// Producer определяет интерфейс для публикации сообщений в Kafka.
type Producer interface {
	// PublishEntitlementEvent отправляет событие изменения entitlement.
	PublishEntitlementEvent(ctx context.Context, event EntitlementEvent) error
	// Close закрывает соединение продюсера Kafka.
	Close() error
}

// kafkaProducer реализует интерфейс Producer, используя segmentio/kafka-go.
type kafkaProducer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewKafkaProducer создает и настраивает новый продюсер Kafka.
func NewKafkaProducer(brokers []string, log *logger.Logger) (Producer, error) {
	if len(brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        TopicEntitlementUpdated,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	log.Infow("Kafka producer initialized", "brokers", brokers, "topic", TopicEntitlementUpdated)

	return &kafkaProducer{
		writer: writer,
		log:    log,
	}, nil
}

// PublishEntitlementEvent отправляет событие в Kafka.
// Ключ сообщения - AccountID: все события одного аккаунта попадают
// в одну партицию и сохраняют порядок.
func (k *kafkaProducer) PublishEntitlementEvent(ctx context.Context, event EntitlementEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		k.log.Errorw("Failed to marshal entitlement event for Kafka", "error", err, "accountID", event.AccountID)
		return fmt.Errorf("kafka: failed to marshal message data: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.AccountID),
		Value: value,
		Time:  time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := k.writer.WriteMessages(writeCtx, message); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			k.log.Errorw("Kafka write timeout exceeded", "error", err, "accountID", event.AccountID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		k.log.Errorw("Failed to write message to Kafka", "error", err, "accountID", event.AccountID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Debugw("Entitlement event published", "accountID", event.AccountID, "status", event.Status)
	return nil
}

// Close закрывает соединение Kafka Writer.
func (k *kafkaProducer) Close() error {
	k.log.Infow("Closing Kafka producer writer...")
	if err := k.writer.Close(); err != nil {
		k.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}
