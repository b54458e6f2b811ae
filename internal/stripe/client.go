package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Dhoini/Entitlement-service/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// SDK не экспортирует константу для ошибок соединения, объявляем свою.
const errorTypeAPIConnection stripe.ErrorType = "api_connection_error"

// Client определяет методы для взаимодействия со Stripe API.
// Сервису нужен только обратный вызов за email клиента
// для legacy-пути резолвинга аккаунта.
type Client interface {
	// GetCustomerEmail возвращает email клиента Stripe по его ID.
	GetCustomerEmail(ctx context.Context, stripeCustomerID string) (string, error)
}

type stripeClient struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeClient создает новый экземпляр клиента Stripe.
func NewStripeClient(apiKey string, log *logger.Logger) Client {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &stripeClient{
		client: sc,
		log:    log,
	}
}

// GetCustomerEmail получает email клиента из Stripe с ретраями на временных ошибках.
func (sc *stripeClient) GetCustomerEmail(ctx context.Context, stripeCustomerID string) (string, error) {
	if stripeCustomerID == "" {
		return "", errors.New("stripe: customer ID is empty")
	}

	var email string
	operation := func() error {
		params := &stripe.CustomerParams{}
		params.Context = ctx

		cus, err := sc.client.Customers.Get(stripeCustomerID, params)
		if err != nil {
			if isRetryableStripeError(err) {
				sc.log.Warnw("Retryable Stripe error while fetching customer, retrying", "stripeCustomerID", stripeCustomerID, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		email = cus.Email
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 20 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		logStripeError(sc.log, "GetCustomerEmail", err)
		return "", fmt.Errorf("stripe: failed to get customer %s: %w", stripeCustomerID, err)
	}

	sc.log.Debugw("Fetched customer email from Stripe", "stripeCustomerID", stripeCustomerID)
	return email, nil
}

// isRetryableStripeError проверяет, является ли ошибка Stripe подходящей для повторной попытки
func isRetryableStripeError(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		if stripeErr.Type == errorTypeAPIConnection {
			return true
		}
		if stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode != http.StatusNotImplemented {
			return true
		}
	}
	return false
}

// logStripeError логирует детали ошибки Stripe
func logStripeError(log *logger.Logger, op string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"op", op,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"msg", stripeErr.Msg,
			"requestID", stripeErr.RequestID,
			"statusCode", stripeErr.HTTPStatusCode,
		)
		return
	}
	log.Errorw("Non-Stripe error during Stripe operation", "op", op, "error", err)
}
