package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"trendbot/internal/exchange"
)

var (
	ErrOrderPolicyViolation   = errors.New("Заявка нарушает правила биржи.")
	ErrExchangeTransient      = errors.New("Временная ошибка биржи.")
	ErrExchangeRejected       = errors.New("Биржа отклонила заявку.")
	ErrReconciliationRequired = errors.New("Требуется сверка заявки.")
	ErrConfigurationFatal     = errors.New("Критическая ошибка конфигурации.")
	ErrOrderNotFound          = errors.New("Заявка не найдена на бирже.")
)

type failure struct {
	kind      error
	ambiguous bool
	rateLimit bool
}

// classify: ambiguous означает, что биржа могла принять заявку.
func classify(err error) failure {
	if errors.Is(err, exchange.ErrSigning) {
		return failure{kind: ErrConfigurationFatal}
	}

	if apiErr, ok := exchange.AsAPIError(err); ok {
		switch {
		case apiErr.StatusCode == 429:
			return failure{kind: ErrExchangeTransient, rateLimit: true}
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return failure{kind: ErrConfigurationFatal}
		case apiErr.StatusCode >= 500:
			return failure{kind: ErrExchangeTransient, ambiguous: true}
		case exchange.IsNotFound(err):
			return failure{kind: ErrOrderNotFound}
		default:
			return failure{kind: ErrExchangeRejected}
		}
	}

	if errors.Is(err, context.Canceled) {
		return failure{kind: context.Canceled, ambiguous: true}
	}
	return failure{kind: ErrExchangeTransient, ambiguous: true}
}

func wrap(kind, err error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %v", kind, err)
}

func isDuplicateIdentifier(err error) bool {
	apiErr, ok := exchange.AsAPIError(err)
	return ok && apiErr.StatusCode == 400 && strings.Contains(strings.ToLower(apiErr.Name+apiErr.Message), "identifier")
}

// IsConfigurationFatal сообщает, что ошибка требует остановки бота.
func IsConfigurationFatal(err error) bool {
	return err != nil && (errors.Is(err, ErrConfigurationFatal) || classify(err).kind == ErrConfigurationFatal)
}
