package gateway

import (
	"context"
	"errors"
	"fmt"
	"trendbot/internal/exchange"
	"trendbot/internal/models"
	"trendbot/internal/store"

	"github.com/sirupsen/logrus"
)

// Submit отправляет заявку не более одного раза на биржу. Повторный вызов с тем же
// LinkID сначала ищет заявку на бирже по идентификатору.
func (g *Gateway) Submit(ctx context.Context, order models.Order) (models.Order, error) {
	if order.LinkID == "" {
		return order, fmt.Errorf("%w: пустой идентификатор заявки", ErrOrderPolicyViolation)
	}

	local, err := g.load(ctx, order.LinkID)
	switch {
	case err == nil:
		if local.Status != models.OrderStatusPending && local.Status != models.OrderStatusUnknown {
			g.logEntry(local).WithField("status", local.Status).Debug("Заявка уже отправлена, повторная отправка не требуется.")
			return local, nil
		}
		order = local
		if local.Status == models.OrderStatusUnknown || local.Attempts > 0 {
			found, lerr := g.lookup(ctx, order)
			if lerr == nil {
				return found, nil
			}
			if !errors.Is(lerr, ErrOrderNotFound) {
				return order, wrap(ErrReconciliationRequired, lerr)
			}
			g.logEntry(order).Info("Заявка не найдена на бирже, отправляем повторно.")
		}
	case errors.Is(err, store.ErrNotFound):
		order.Status = models.OrderStatusPending
		if err := g.save(ctx, &order); err != nil {
			return order, err
		}
	default:
		return order, err
	}

	return g.send(ctx, order)
}

func (g *Gateway) send(ctx context.Context, order models.Order) (models.Order, error) {
	log := g.logEntry(order)
	backoff := g.cfg.Backoff
	uncertain := false

	for attempt := 1; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return g.abandon(ctx, order, uncertain, err)
		}

		order.Attempts++
		if err := g.save(ctx, &order); err != nil {
			return order, err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		placed, err := g.ex.PlaceOrder(callCtx, order)
		cancel()
		if err == nil {
			order = merge(order, placed)
			if err := g.save(ctx, &order); err != nil {
				return order, err
			}
			log.WithFields(logrus.Fields{
				"exchange_id": order.ExchangeID,
				"status":      order.Status,
				"attempt":     attempt,
			}).Info("Заявка принята биржей.")
			return order, nil
		}

		if isDuplicateIdentifier(err) {
			if found, lerr := g.lookup(ctx, order); lerr == nil {
				return found, nil
			}
			return g.abandon(ctx, order, true, err)
		}

		f := classify(err)
		switch f.kind {
		case ErrConfigurationFatal, ErrExchangeRejected, ErrOrderNotFound:
			return g.reject(ctx, order, err, f.kind)
		case context.Canceled:
			return g.abandon(ctx, order, true, err)
		}

		log.WithError(err).WithField("attempt", attempt).Warn("Ошибка отправки заявки.")
		// отсутствие заявки при поиске не снимает неопределённость: запрос ещё может
		// дойти до биржи. Повтор с тем же identifier защищён проверкой дубликата.
		uncertain = uncertain || f.ambiguous
		if f.ambiguous {
			if found, lerr := g.lookup(ctx, order); lerr == nil {
				return found, nil
			}
		}

		if attempt >= g.cfg.MaxAttempts || ctx.Err() != nil {
			if uncertain {
				return g.abandon(ctx, order, true, err)
			}
			return g.reject(ctx, order, err, ErrExchangeTransient)
		}

		if serr := g.sleep(ctx, backoff, f.rateLimit); serr != nil {
			return g.abandon(ctx, order, uncertain, serr)
		}
		backoff *= 2
	}
}

// abandon фиксирует заявку в состоянии UNKNOWN, если биржа могла её принять.
func (g *Gateway) abandon(ctx context.Context, order models.Order, uncertain bool, cause error) (models.Order, error) {
	if !uncertain {
		return g.reject(ctx, order, cause, ErrExchangeTransient)
	}
	order.Status = models.OrderStatusUnknown
	order.Reason = trimReason(cause.Error())
	if err := g.save(context.WithoutCancel(ctx), &order); err != nil {
		return order, err
	}
	g.logEntry(order).WithError(cause).Error("Состояние заявки неизвестно, требуется сверка.")
	return order, wrap(ErrReconciliationRequired, cause)
}

func (g *Gateway) reject(ctx context.Context, order models.Order, cause, kind error) (models.Order, error) {
	order.Status = models.OrderStatusRejected
	order.Reason = trimReason(cause.Error())
	if err := g.save(context.WithoutCancel(ctx), &order); err != nil {
		return order, err
	}
	g.logEntry(order).WithError(cause).Warn("Заявка отклонена.")
	return order, wrap(kind, cause)
}

// lookup ищет заявку на бирже по идентификатору и сохраняет найденное состояние.
func (g *Gateway) lookup(ctx context.Context, order models.Order) (models.Order, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return order, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	remote, err := g.ex.GetOrder(callCtx, exchange.OrderRef{ExchangeID: order.ExchangeID, LinkID: order.LinkID})
	cancel()
	if err != nil {
		f := classify(err)
		if f.kind == ErrOrderNotFound {
			return order, wrap(ErrOrderNotFound, err)
		}
		return order, wrap(f.kind, err)
	}

	order = merge(order, remote)
	order.Reason = ""
	if err := g.save(ctx, &order); err != nil {
		return order, err
	}
	g.logEntry(order).WithField("status", order.Status).Info("Заявка найдена на бирже по идентификатору.")
	return order, nil
}

func trimReason(s string) string {
	r := []rune(s)
	if len(r) > 120 {
		return string(r[:120])
	}
	return s
}
