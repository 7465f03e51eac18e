package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"trendbot/internal/models"
	"trendbot/internal/notify"
	"trendbot/internal/risk"
	"trendbot/internal/store"

	"github.com/sirupsen/logrus"
)

// applyOrder отражает финальное состояние заявки в позиции и реестре в одной
// транзакции. Повторный вызов ничего не меняет.
func (e *Engine) applyOrder(ctx context.Context, linkID string) (models.Order, error) {
	var order models.Order
	var pos *models.Position
	var st risk.State
	applied := false
	now := e.now()

	err := e.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		order, err = tx.OrderByLinkID(linkID)
		if err != nil {
			return err
		}
		if order.Applied {
			return nil
		}
		if !order.Status.Terminal() {
			return fmt.Errorf("Заявка %s ещё не завершена: %s.", linkID, order.Status)
		}

		switch order.Intent {
		case models.OrderIntentEntry:
			pos, err = e.applyEntry(tx, now, order)
		case models.OrderIntentExit:
			pos, st, err = e.applyExit(tx, now, order)
		}
		if err != nil {
			return err
		}

		order.Applied = true
		applied = true
		return tx.SaveOrder(&order)
	})
	if err != nil || !applied {
		return order, err
	}

	ss := e.symbol(order.Symbol)
	e.mu.Lock()
	ss.hasPosition = pos != nil && pos.Status == models.PositionOpen
	if ss.hasPosition {
		ss.peak = pos.HighestPrice
	} else {
		ss.peak = 0
	}
	e.mu.Unlock()

	e.notifyOrder(order, pos)
	if st.Halted && order.Intent == models.OrderIntentExit {
		e.publish(notify.KindHalt, order.Symbol, "Достигнут дневной лимит убытка, входы заблокированы до следующего дня.", map[string]any{
			"realized_loss": st.RealizedLoss.StringFixed(0),
		})
	}
	return order, nil
}

func (e *Engine) applyEntry(tx *store.Tx, now time.Time, order models.Order) (*models.Position, error) {
	if order.FilledQty <= 0 {
		if err := e.ledger.Release(tx, now, order.Symbol, order.LinkID); err != nil {
			return nil, err
		}
		e.logEntry(order.Symbol).WithField("link_id", order.LinkID).Info("Вход не исполнен, резерв освобождён.")
		return nil, nil
	}

	cost := CalcEntryCost(order)
	price := order.AvgPrice()
	pos := &models.Position{
		Symbol:       order.Symbol,
		Status:       models.PositionOpen,
		EntryPrice:   price,
		Quantity:     order.FilledQty,
		CostBasis:    cost,
		HighestPrice: price,
		EntryTime:    now,
		EntryLinkID:  order.LinkID,
	}
	if err := tx.CreatePosition(pos); err != nil {
		return nil, err
	}
	if err := e.ledger.Commit(tx, now, order.Symbol, order.LinkID, cost); err != nil {
		return nil, err
	}

	e.logEntry(order.Symbol).WithFields(logrus.Fields{
		"link_id": order.LinkID,
		"qty":     formatFloatPlain(order.FilledQty),
		"price":   formatFloatPlain(price),
		"cost":    formatFloatPlain(cost),
		"partial": order.Status != models.OrderStatusFilled,
	}).Info("Позиция открыта.")
	return pos, nil
}

func (e *Engine) applyExit(tx *store.Tx, now time.Time, order models.Order) (*models.Position, risk.State, error) {
	pos, err := tx.OpenPosition(order.Symbol)
	if err != nil {
		return nil, risk.State{}, err
	}
	if pos == nil {
		e.logEntry(order.Symbol).WithField("link_id", order.LinkID).Warn("Нет открытой позиции для заявки на выход.")
		return nil, risk.State{}, nil
	}

	if order.FilledQty <= 0 {
		pos.ExitLinkID = ""
		if err := tx.SavePosition(pos); err != nil {
			return nil, risk.State{}, err
		}
		e.logEntry(order.Symbol).WithField("link_id", order.LinkID).Warn("Выход не исполнен, будет повторён.")
		return pos, risk.State{}, nil
	}

	res := CalcExit(pos.Quantity, pos.CostBasis, order)
	pos.Quantity -= res.Qty
	pos.CostBasis -= res.Freed
	pos.RealizedPnL += res.PnL
	pos.ExitLinkID = ""

	final := pos.Quantity <= 1e-12
	if !final {
		if rules, ok := e.cachedRules(order.Symbol); ok && isDust(pos.Quantity, order.AvgPrice(), rules) {
			// остаток ниже минимального объёма списывается по цене исполнения
			dustPnL := pos.Quantity*order.AvgPrice() - pos.CostBasis
			res.Freed += pos.CostBasis
			res.PnL += dustPnL
			pos.RealizedPnL += dustPnL
			pos.CostBasis = 0
			final = true
		}
	}
	if final {
		closedAt := now
		pos.Status = models.PositionClosed
		pos.ClosedAt = &closedAt
		pos.ExitRequested = false
	}
	if err := tx.SavePosition(pos); err != nil {
		return nil, risk.State{}, err
	}

	st, err := e.ledger.RecordClose(tx, now, risk.Close{
		Symbol:      order.Symbol,
		EntryLinkID: pos.EntryLinkID,
		FreedCost:   res.Freed,
		PnL:         res.PnL,
		Final:       final,
		PositionPnL: pos.RealizedPnL,
	})
	if err != nil {
		return nil, risk.State{}, err
	}

	e.logEntry(order.Symbol).WithFields(logrus.Fields{
		"link_id":   order.LinkID,
		"qty":       formatFloatPlain(res.Qty),
		"pnl":       formatFloatPlain(res.PnL),
		"final":     final,
		"remaining": formatFloatPlain(pos.Quantity),
	}).Info("Выход исполнен.")
	return pos, st, nil
}

// closeDust закрывает позицию, объём которой нельзя продать на бирже.
func (e *Engine) closeDust(ctx context.Context, symbol string, price float64) error {
	now := e.now()
	var closed *models.Position
	err := e.store.Tx(ctx, func(tx *store.Tx) error {
		pos, err := tx.OpenPosition(symbol)
		if err != nil || pos == nil {
			return err
		}
		pnl := pos.Quantity*price - pos.CostBasis
		freed := pos.CostBasis
		pos.RealizedPnL += pnl
		pos.CostBasis = 0
		pos.Status = models.PositionClosed
		pos.ClosedAt = &now
		pos.ExitRequested = false
		pos.ExitReason = "dust"
		if err := tx.SavePosition(pos); err != nil {
			return err
		}
		if _, err := e.ledger.RecordClose(tx, now, risk.Close{
			Symbol:      symbol,
			EntryLinkID: pos.EntryLinkID,
			FreedCost:   freed,
			PnL:         pnl,
			Final:       true,
			PositionPnL: pos.RealizedPnL,
		}); err != nil {
			return err
		}
		closed = pos
		return nil
	})
	if err != nil {
		return err
	}
	if closed == nil {
		return nil
	}

	ss := e.symbol(symbol)
	e.mu.Lock()
	ss.hasPosition = false
	ss.peak = 0
	e.mu.Unlock()

	e.logEntry(symbol).WithField("qty", formatFloatPlain(closed.Quantity)).Warn("Остаток позиции ниже минимального объёма, позиция закрыта.")
	e.publish(notify.KindOrderFilled, symbol, "Позиция закрыта как остаток ниже минимального объёма.", map[string]any{
		"qty": formatFloatPlain(closed.Quantity),
		"pnl": formatFloatPlain(closed.RealizedPnL),
	})
	return nil
}

func (e *Engine) notifyOrder(order models.Order, pos *models.Position) {
	fields := map[string]any{
		"side":   order.Side,
		"status": order.Status,
		"filled": formatFloatPlain(order.FilledQty),
	}
	if order.FilledQty > 0 {
		fields["avg_price"] = formatFloatPlain(order.AvgPrice())
	}
	if pos != nil && pos.Status == models.PositionClosed {
		fields["pnl"] = formatFloatPlain(pos.RealizedPnL)
	}

	switch {
	case order.FilledQty > 0:
		e.publish(notify.KindOrderFilled, order.Symbol, "Заявка исполнена.", fields)
	case order.Status == models.OrderStatusCanceled:
		e.publish(notify.KindOrderCanceled, order.Symbol, "Заявка отменена без исполнения.", fields)
	default:
		fields["reason"] = order.Reason
		e.publish(notify.KindOrderRejected, order.Symbol, "Заявка отклонена.", fields)
	}
}

var errOrderInFlight = errors.New("Заявка ещё исполняется.")
