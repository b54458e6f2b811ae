package domain

import "errors"

// Таксономия ошибок обработки вебхуков. От класса ошибки зависит
// HTTP-ответ провайдеру: ретраить доставку или нет.
var (
	// ErrSignatureInvalid подпись не прошла проверку, в ledger ничего не пишем
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrDuplicateEvent событие уже обработано, хендлер не запускается повторно
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUnresolvedIdentity не удалось сопоставить payload с аккаунтом.
	// Не ретраится: повторная доставка не починит данные, нужен оператор.
	ErrUnresolvedIdentity = errors.New("unresolved account identity")

	// ErrTransientStore временная ошибка хранилища, провайдер должен повторить доставку
	ErrTransientStore = errors.New("transient store error")
)

// IsRetryable сообщает, должен ли провайдер повторить доставку события.
// Неклассифицированные ошибки считаются временными: лучше повторить,
// чем молча потерять событие.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnresolvedIdentity) || errors.Is(err, ErrDuplicateEvent) {
		return false
	}
	return true
}
