package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/gateway"
	"trendbot/internal/indicator"
	"trendbot/internal/models"
	"trendbot/internal/notify"
	"trendbot/internal/store"

	"github.com/sirupsen/logrus"
)

// enter резервирует капитал и сохраняет заявку в одной транзакции, затем отправляет её.
func (e *Engine) enter(ctx context.Context, symbol string, snap indicator.Snapshot, rules exchange.InstrumentRules, now time.Time) error {
	linkID := gateway.NewLinkID()
	var order models.Order
	var amount float64

	err := e.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		amount, err = e.ledger.Size(tx, now, rules.MinNotional)
		if err != nil {
			return err
		}
		notional, price, qty := CalcEntryOrder(amount, snap.Close, e.orderType(), rules)
		order, err = e.gateway.NewOrder(gateway.OrderRequest{
			LinkID:   linkID,
			Symbol:   symbol,
			Side:     models.OrderSideBuy,
			Type:     e.orderType(),
			Intent:   models.OrderIntentEntry,
			Price:    price,
			Qty:      qty,
			Notional: notional,
			RefPrice: snap.Close,
		}, rules)
		if err != nil {
			return err
		}
		if _, err := e.ledger.Authorize(tx, now, symbol, linkID, amount); err != nil {
			return err
		}
		return tx.SaveOrder(&order)
	})
	if err != nil {
		return err
	}

	e.logEntry(symbol).WithFields(logrus.Fields{
		"link_id":  linkID,
		"reserved": formatFloatPlain(amount),
		"type":     order.Type,
	}).Info("Капитал зарезервирован, отправляем заявку на вход.")
	return e.execute(ctx, order)
}

// exit продаёт весь объём позиции. Остаток ниже минимального объёма закрывается без заявки.
func (e *Engine) exit(ctx context.Context, symbol string, pos *models.Position, reason string, price float64, rules exchange.InstrumentRules) error {
	qty := exchange.RoundDown(pos.Quantity, rules.QtyStep)
	if isDust(qty, price, rules) {
		return e.closeDust(ctx, symbol, price)
	}

	req := gateway.OrderRequest{
		LinkID:   gateway.NewLinkID(),
		Symbol:   symbol,
		Side:     models.OrderSideSell,
		Type:     e.orderType(),
		Intent:   models.OrderIntentExit,
		Qty:      qty,
		RefPrice: price,
	}
	if req.Type == models.OrderTypeLimit {
		req.Price = exchange.RoundDown(price, rules.TickSize(price))
	}

	var order models.Order
	err := e.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		order, err = e.gateway.NewOrder(req, rules)
		if err != nil {
			return err
		}
		cur, err := tx.OpenPosition(symbol)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("Открытая позиция %s не найдена.", symbol)
		}
		cur.ExitRequested = true
		cur.ExitReason = reason
		cur.ExitLinkID = order.LinkID
		if err := tx.SavePosition(cur); err != nil {
			return err
		}
		return tx.SaveOrder(&order)
	})
	if err != nil {
		return err
	}

	e.logEntry(symbol).WithFields(logrus.Fields{
		"link_id": order.LinkID,
		"reason":  reason,
		"qty":     formatFloatPlain(qty),
		"price":   formatFloatPlain(price),
	}).Info("Отправляем заявку на выход.")
	return e.execute(ctx, order)
}

// execute отправляет сохранённую заявку, дожидается финального состояния и применяет его.
func (e *Engine) execute(ctx context.Context, order models.Order) error {
	placed, err := e.gateway.Submit(ctx, order)
	if err != nil {
		if placed.Status.Terminal() {
			if _, aerr := e.applyOrder(context.WithoutCancel(ctx), order.LinkID); aerr != nil {
				return aerr
			}
		}
		return err
	}

	e.publish(notify.KindOrderPlaced, order.Symbol, "Заявка отправлена.", map[string]any{
		"side":    order.Side,
		"type":    order.Type,
		"link_id": order.LinkID,
	})

	final, err := e.awaitFinal(ctx, placed)
	if err != nil {
		return err
	}
	if !final.Status.Terminal() {
		return fmt.Errorf("%w: %s: %s", errOrderInFlight, final.LinkID, final.Status)
	}
	_, err = e.applyOrder(ctx, final.LinkID)
	return err
}

// awaitFinal опрашивает статус до fill_timeout, затем отменяет заявку.
func (e *Engine) awaitFinal(ctx context.Context, order models.Order) (models.Order, error) {
	if order.Status.Terminal() {
		return order, nil
	}
	poll := e.cfg.Bot.FillPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	timeout := time.NewTimer(e.cfg.Bot.FillTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	log := e.logEntry(order.Symbol).WithField("link_id", order.LinkID)
	for {
		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-timeout.C:
			log.Warn("Заявка не завершилась вовремя, отменяем.")
			cur, err := e.gateway.Cancel(ctx, order.LinkID)
			if err != nil {
				return order, err
			}
			if cur.Status.Terminal() {
				return cur, nil
			}
			select {
			case <-ctx.Done():
				return cur, ctx.Err()
			case <-time.After(poll):
			}
			return e.gateway.FetchStatus(ctx, order.LinkID)
		case <-ticker.C:
			cur, err := e.gateway.FetchStatus(ctx, order.LinkID)
			if err != nil {
				if gateway.IsConfigurationFatal(err) || errors.Is(err, context.Canceled) {
					return order, err
				}
				log.WithError(err).Warn("Не удалось получить статус заявки.")
				continue
			}
			order = cur
			if cur.Status.Terminal() {
				return cur, nil
			}
		}
	}
}
