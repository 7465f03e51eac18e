package gateway

import (
	"context"
	"errors"
	"trendbot/internal/exchange"
	"trendbot/internal/models"

	"github.com/sirupsen/logrus"
)

// withRetry повторяет идемпотентные запросы чтения и отмены при временных ошибках.
func (g *Gateway) withRetry(ctx context.Context, order models.Order, fn func(ctx context.Context) (models.Order, error)) (models.Order, error) {
	backoff := g.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return order, err
		}
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		res, err := fn(callCtx)
		cancel()
		if err == nil {
			return res, nil
		}

		f := classify(err)
		if f.kind != ErrExchangeTransient {
			return order, wrap(f.kind, err)
		}
		lastErr = err
		g.logEntry(order).WithError(err).WithField("attempt", attempt).Warn("Временная ошибка биржи, повторяем запрос.")
		if attempt == g.cfg.MaxAttempts {
			break
		}
		if err := g.sleep(ctx, backoff, f.rateLimit); err != nil {
			return order, err
		}
		backoff *= 2
	}
	return order, wrap(ErrExchangeTransient, lastErr)
}

// FetchStatus запрашивает актуальное состояние заявки и сохраняет его.
func (g *Gateway) FetchStatus(ctx context.Context, linkID string) (models.Order, error) {
	local, err := g.load(ctx, linkID)
	if err != nil {
		return local, err
	}
	if local.Status.Terminal() {
		return local, nil
	}

	remote, err := g.withRetry(ctx, local, func(ctx context.Context) (models.Order, error) {
		return g.ex.GetOrder(ctx, exchange.OrderRef{ExchangeID: local.ExchangeID, LinkID: local.LinkID})
	})
	if err != nil {
		return local, err
	}

	order := merge(local, remote)
	if order.Status != local.Status || order.FilledQty != local.FilledQty {
		if err := g.save(ctx, &order); err != nil {
			return order, err
		}
		g.logEntry(order).WithFields(logrus.Fields{
			"status": order.Status,
			"filled": order.FilledQty,
		}).Info("Состояние заявки обновлено.")
	}
	return order, nil
}

// Cancel отменяет заявку. Возвращённое состояние может быть ещё не финальным.
func (g *Gateway) Cancel(ctx context.Context, linkID string) (models.Order, error) {
	local, err := g.load(ctx, linkID)
	if err != nil {
		return local, err
	}
	if local.Status.Terminal() {
		return local, nil
	}

	remote, err := g.withRetry(ctx, local, func(ctx context.Context) (models.Order, error) {
		return g.ex.CancelOrder(ctx, exchange.OrderRef{ExchangeID: local.ExchangeID, LinkID: local.LinkID})
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrExchangeRejected) {
			// заявка могла исполниться до отмены
			return g.FetchStatus(ctx, linkID)
		}
		return local, err
	}

	order := merge(local, remote)
	if err := g.save(ctx, &order); err != nil {
		return order, err
	}
	g.logEntry(order).WithField("status", order.Status).Info("Запрошена отмена заявки.")
	return order, nil
}

// Resolve сверяет локальную заявку с биржей. Заявка в PENDING или UNKNOWN, которой нет
// на бирже, считается неотправленной и получает статус REJECTED.
func (g *Gateway) Resolve(ctx context.Context, linkID string) (models.Order, error) {
	order, err := g.FetchStatus(ctx, linkID)
	if err == nil || !errors.Is(err, ErrOrderNotFound) {
		return order, err
	}

	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusUnknown {
		return order, wrap(ErrReconciliationRequired, err)
	}

	order.Status = models.OrderStatusRejected
	order.Reason = "absent"
	if err := g.save(ctx, &order); err != nil {
		return order, err
	}
	g.logEntry(order).Warn("Заявка отсутствует на бирже, помечена отклонённой.")
	return order, nil
}
