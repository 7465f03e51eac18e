package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/gateway"
)

// withRetry повторяет запросы рыночных данных и счёта. Ошибки валидации и
// авторизации не повторяются.
func withRetry[T any](ctx context.Context, e *Engine, what string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := e.cfg.Exchange.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := e.cfg.Exchange.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxWait := backoff * 30

	for i := 0; i < attempts; i++ {
		callCtx, cancel := e.callContext(ctx)
		res, err := fn(callCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if gateway.IsConfigurationFatal(err) {
			return zero, fmt.Errorf("%w: %s: %v", gateway.ErrConfigurationFatal, what, err)
		}
		if apiErr, ok := exchange.AsAPIError(err); ok && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
			return zero, fmt.Errorf("%s: %w", what, err)
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if i == attempts-1 {
			break
		}

		wait := min(backoff, maxWait)
		if exchange.IsRateLimit(err) {
			wait = min(backoff*4, maxWait)
		}
		e.logEntry("").WithError(err).WithField("request", what).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return zero, fmt.Errorf("%w: %s: %v", gateway.ErrExchangeTransient, what, lastErr)
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.cfg.Exchange.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Engine) rulesFor(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	e.mu.RLock()
	rules, ok := e.rules[symbol]
	e.mu.RUnlock()
	if ok {
		return rules, nil
	}

	rules, err := withRetry(ctx, e, "rules", func(ctx context.Context) (exchange.InstrumentRules, error) {
		return e.client.GetInstrumentRules(ctx, symbol)
	})
	if err != nil {
		return rules, err
	}
	e.logEntry(symbol).WithField("min_notional", rules.MinNotional).Info("Получены ограничения торговой пары.")

	e.mu.Lock()
	e.rules[symbol] = rules
	e.mu.Unlock()
	return rules, nil
}

func (e *Engine) cachedRules(symbol string) (exchange.InstrumentRules, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules, ok := e.rules[symbol]
	return rules, ok
}

func (e *Engine) resetRules() {
	e.mu.Lock()
	e.rules = make(map[string]exchange.InstrumentRules)
	e.mu.Unlock()
}
