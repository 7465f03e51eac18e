package engine

import (
	"context"
	"errors"
	"fmt"
	"trendbot/internal/gateway"
	"trendbot/internal/models"
	"trendbot/internal/store"

	"github.com/sirupsen/logrus"
)

// Restore сверяет незавершённые заявки и восстанавливает состояние генератора
// до первого цикла.
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.refreshControl(ctx); err != nil {
		return err
	}
	if err := e.beginDay(ctx, e.now()); err != nil {
		return err
	}
	if err := e.reconcileReservations(ctx); err != nil {
		return err
	}

	var firstErr error
	for _, symbol := range e.cfg.Bot.Symbols {
		if err := e.reconcileSymbol(ctx, symbol); err != nil {
			e.setBlocked(symbol, err.Error())
			e.logEntry(symbol).WithError(err).Warn("Сверка заявок не завершена, пара заблокирована до следующей сверки.")
			if gateway.IsConfigurationFatal(err) && firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		e.halt(firstErr)
		return firstErr
	}

	return e.LoadPositions(ctx)
}

// LoadPositions восстанавливает состояние генератора по открытым позициям без обращения к бирже.
func (e *Engine) LoadPositions(ctx context.Context) error {
	positions, err := e.store.View(ctx).OpenPositions()
	if err != nil {
		return fmt.Errorf("Не удалось прочитать открытые позиции: %w", err)
	}
	open := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		open[p.Symbol] = p
	}
	for _, symbol := range e.cfg.Bot.Symbols {
		pos, ok := open[symbol]
		e.signals.Restore(symbol, ok)

		ss := e.symbol(symbol)
		e.mu.Lock()
		ss.hasPosition = ok
		ss.peak = pos.HighestPrice
		e.mu.Unlock()

		if ok {
			e.logEntry(symbol).WithFields(logrus.Fields{
				"qty":     formatFloatPlain(pos.Quantity),
				"entry":   formatFloatPlain(pos.EntryPrice),
				"highest": formatFloatPlain(pos.HighestPrice),
			}).Info("Позиция восстановлена.")
		}
	}
	return nil
}

// reconcileSymbol доводит все неприменённые заявки пары до финального состояния.
// Пока это не удалось, новые заявки по паре не выставляются.
func (e *Engine) reconcileSymbol(ctx context.Context, symbol string) error {
	orders, err := e.store.View(ctx).UnappliedOrders(symbol)
	if err != nil {
		return fmt.Errorf("Не удалось прочитать заявки: %w", err)
	}

	for _, o := range orders {
		cur := o
		if !cur.Status.Terminal() {
			cur, err = e.gateway.Resolve(ctx, o.LinkID)
			if err != nil {
				return reconcileErr(o.LinkID, err)
			}
		}

		if !cur.Status.Terminal() && e.cfg.Bot.OrderTTL > 0 && e.now().Sub(cur.CreatedAt) > e.cfg.Bot.OrderTTL {
			e.logEntry(symbol).WithField("link_id", cur.LinkID).Warn("Заявка висит дольше допустимого, отменяем.")
			if cur, err = e.gateway.Cancel(ctx, cur.LinkID); err != nil {
				return reconcileErr(o.LinkID, err)
			}
			if !cur.Status.Terminal() {
				if cur, err = e.gateway.FetchStatus(ctx, cur.LinkID); err != nil {
					return reconcileErr(o.LinkID, err)
				}
			}
		}

		if !cur.Status.Terminal() {
			return fmt.Errorf("%w: %s: %s", errOrderInFlight, cur.LinkID, cur.Status)
		}
		if _, err := e.applyOrder(ctx, cur.LinkID); err != nil {
			return err
		}
		e.logEntry(symbol).WithFields(logrus.Fields{
			"link_id": cur.LinkID,
			"status":  cur.Status,
			"intent":  cur.Intent,
		}).Info("Заявка сверена.")
	}
	e.setBlocked(symbol, "")
	return nil
}

// reconcileReservations освобождает резервы, для которых нет записи заявки.
func (e *Engine) reconcileReservations(ctx context.Context) error {
	now := e.now()
	return e.store.Tx(ctx, func(tx *store.Tx) error {
		pending, err := e.ledger.PendingReservations(tx)
		if err != nil {
			return err
		}
		for linkID := range pending {
			_, err := tx.OrderByLinkID(linkID)
			switch {
			case err == nil:
				continue
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
			if err := e.ledger.Release(tx, now, "", linkID); err != nil {
				return err
			}
			e.logEntry("").WithField("link_id", linkID).Warn("Резерв без заявки освобождён.")
		}
		return nil
	})
}

func reconcileErr(linkID string, err error) error {
	if gateway.IsConfigurationFatal(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", gateway.ErrReconciliationRequired, linkID, err)
}
