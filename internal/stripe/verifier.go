package stripe

import (
	"fmt"

	"github.com/Dhoini/Entitlement-service/internal/domain"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Verifier проверяет подлинность входящего вебхука.
// Работает на сырых байтах запроса: подпись покрывает буквальный payload,
// пересериализованный объект ее не пройдет.
type Verifier interface {
	Verify(payload []byte, sigHeader, secret string) (stripe.Event, error)
}

type webhookVerifier struct{}

// NewWebhookVerifier создает верификатор подписи Stripe (HMAC-SHA256, схема v1).
func NewWebhookVerifier() Verifier {
	return webhookVerifier{}
}

func (webhookVerifier) Verify(payload []byte, sigHeader, secret string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
	}
	return event, nil
}
