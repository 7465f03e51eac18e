package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/gateway"
	"trendbot/internal/indicator"
	"trendbot/internal/models"
	"trendbot/internal/notify"
	"trendbot/internal/risk"
	"trendbot/internal/signal"
	"trendbot/internal/store"

	"github.com/sirupsen/logrus"
)

var errStaleCandles = errors.New("Данные свечей устарели.")

// RunCycle обрабатывает все пары параллельно. Одна пара обрабатывается не более
// чем одной горутиной.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) error {
	if err := e.refreshControl(ctx); err != nil {
		return err
	}
	if !e.Running() {
		e.logEntry("").Debug("Торговля остановлена, цикл пропущен.")
		return nil
	}
	if err := e.beginDay(ctx, now); err != nil {
		if gateway.IsConfigurationFatal(err) {
			e.halt(err)
		}
		return err
	}

	var wg sync.WaitGroup
	for _, symbol := range e.cfg.Bot.Symbols {
		symbol := symbol
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runSymbol(ctx, symbol, now)
		}()
	}
	wg.Wait()
	return nil
}

func (e *Engine) beginDay(ctx context.Context, now time.Time) error {
	day := e.ledger.DayKey(now)
	e.mu.RLock()
	same := e.day == day
	e.mu.RUnlock()
	if same {
		return nil
	}

	allocated, err := e.allocatedCapital(ctx)
	if err != nil {
		if gateway.IsConfigurationFatal(err) {
			return err
		}
		e.logEntry("").WithError(err).Warn("Не удалось получить выделенный капитал, используем значение прошлого дня.")
		allocated = 0
	}

	var st risk.State
	err = e.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		st, err = e.ledger.BeginDay(tx, now, allocated)
		return err
	})
	if err != nil {
		return fmt.Errorf("Не удалось открыть торговый день: %w", err)
	}

	e.mu.Lock()
	e.day = day
	e.mu.Unlock()
	e.resetRules()

	e.logEntry("").WithFields(logrus.Fields{
		"day":            st.Day,
		"allocated":      st.AllocatedCapital.StringFixed(0),
		"ceiling":        st.CapitalCeiling.StringFixed(0),
		"capital_in_use": st.CapitalInUse.StringFixed(0),
		"open_positions": st.OpenPositions,
	}).Info("Торговый день открыт.")
	return nil
}

func (e *Engine) runSymbol(ctx context.Context, symbol string, now time.Time) {
	ss := e.symbol(symbol)
	if !ss.claim.TryLock() {
		e.logEntry(symbol).Warn("Предыдущая обработка пары ещё не завершена, пропускаем.")
		return
	}
	defer ss.claim.Unlock()

	e.setBlocked(symbol, "")
	err := e.evaluate(ctx, symbol, now)

	e.mu.Lock()
	ss.lastCycle = now
	e.mu.Unlock()

	log := e.logEntry(symbol)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case gateway.IsConfigurationFatal(err):
		e.setBlocked(symbol, err.Error())
		e.halt(err)
	case errors.Is(err, indicator.ErrInsufficientHistory):
		e.setBlocked(symbol, "insufficient_history")
		log.WithError(err).Info("Недостаточно истории, пропускаем пару.")
	case errors.Is(err, errStaleCandles):
		e.setBlocked(symbol, "stale_candles")
		log.WithError(err).Warn("Свечи устарели, пропускаем пару.")
	case errors.Is(err, errOrderInFlight):
		e.setBlocked(symbol, "order_in_flight")
		log.WithError(err).Info("Заявка по паре ещё исполняется.")
	case errors.Is(err, gateway.ErrReconciliationRequired):
		e.setBlocked(symbol, "reconciliation_required")
		log.WithError(err).Error("Требуется сверка заявки, пара заблокирована.")
		e.publish(notify.KindError, symbol, "Требуется сверка заявки, пара заблокирована.", map[string]any{"error": err.Error()})
	default:
		e.setBlocked(symbol, err.Error())
		log.WithError(err).Error("Ошибка обработки пары.")
		e.publish(notify.KindError, symbol, "Ошибка обработки пары.", map[string]any{"error": err.Error()})
	}
}

func (e *Engine) evaluate(ctx context.Context, symbol string, now time.Time) error {
	if err := e.reconcileSymbol(ctx, symbol); err != nil {
		return err
	}
	rules, err := e.rulesFor(ctx, symbol)
	if err != nil {
		return err
	}
	candles, err := e.fetchCandles(ctx, symbol, now)
	if err != nil {
		return err
	}

	params := e.Params()
	snap, err := indicator.Compute(symbol, candles, indicator.Params{
		EMAFast:   params.EMAFast,
		EMASlow:   params.EMASlow,
		RSIPeriod: params.RSIPeriod,
	}, e.cfg.Bot.Timeframe)
	if err != nil {
		return err
	}
	if snap.Dropped > 0 || snap.Backfilled > 0 {
		e.logEntry(symbol).WithFields(logrus.Fields{
			"dropped":    snap.Dropped,
			"backfilled": snap.Backfilled,
		}).Warn("Ряд свечей нормализован.")
	}

	ss := e.symbol(symbol)
	e.mu.Lock()
	ss.snapshot = &snap
	peak := ss.peak
	e.mu.Unlock()

	pos, err := e.store.View(ctx).OpenPosition(symbol)
	if err != nil {
		return err
	}
	if pos != nil {
		if err := e.observeHigh(ctx, pos, max(snap.High, peak)); err != nil {
			return err
		}
		if pos.ExitRequested {
			e.logEntry(symbol).WithField("reason", pos.ExitReason).Info("Повторяем незавершённый выход.")
			return e.exit(ctx, symbol, pos, pos.ExitReason, snap.Close, rules)
		}
	}
	if (pos != nil) != (e.signals.State(symbol) == signal.StateLong) {
		e.signals.Restore(symbol, pos != nil)
	}

	var st risk.State
	err = e.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		st, err = e.ledger.State(tx, now)
		return err
	})
	if err != nil {
		return err
	}

	sig := e.signals.Evaluate(signal.Input{
		Snapshot:        snap,
		Position:        pos,
		RSIMin:          params.RSIMin,
		TrailingStopPct: params.TrailingStopPct,
		ForcedExit:      e.ledger.ForcedExit(st),
	})
	e.logEntry(symbol).WithFields(logrus.Fields{
		"signal":   sig.Kind,
		"reason":   sig.Reason,
		"basis":    snap.Basis.Format(time.RFC3339),
		"close":    formatFloatPlain(snap.Close),
		"ema_fast": formatFloatPlain(snap.EMAFast),
		"ema_slow": formatFloatPlain(snap.EMASlow),
		"rsi":      formatFloatPlain(snap.RSI),
	}).Info("Сигнал рассчитан.")

	switch sig.Kind {
	case models.SignalEnterLong:
		if !params.TradingWindow.Contains(now.In(e.loc)) {
			e.signals.Restore(symbol, false)
			e.setBlocked(symbol, "outside_trading_window")
			e.logEntry(symbol).Info("Вне торгового окна, вход пропущен.")
			return nil
		}
		err := e.enter(ctx, symbol, snap, rules, now)
		if syncErr := e.syncSignalState(ctx, symbol); syncErr != nil && err == nil {
			err = syncErr
		}
		switch {
		case risk.IsEntryBlocked(err):
			e.setBlocked(symbol, err.Error())
			e.logEntry(symbol).WithError(err).Info("Вход отклонён риск-менеджментом, HOLD.")
			return nil
		case errors.Is(err, gateway.ErrOrderPolicyViolation):
			e.setBlocked(symbol, err.Error())
			e.logEntry(symbol).WithError(err).Warn("Заявка на вход нарушает правила биржи.")
			return nil
		}
		return err
	case models.SignalExitLong:
		if pos == nil {
			return nil
		}
		return e.exit(ctx, symbol, pos, sig.Reason, snap.Close, rules)
	}
	return nil
}

func (e *Engine) syncSignalState(ctx context.Context, symbol string) error {
	pos, err := e.store.View(ctx).OpenPosition(symbol)
	if err != nil {
		return err
	}
	e.signals.Restore(symbol, pos != nil)
	return nil
}

func (e *Engine) observeHigh(ctx context.Context, pos *models.Position, price float64) error {
	if !pos.Observe(price) {
		return nil
	}
	if err := e.store.Tx(ctx, func(tx *store.Tx) error { return tx.SavePosition(pos) }); err != nil {
		return err
	}
	ss := e.symbol(pos.Symbol)
	e.mu.Lock()
	if pos.HighestPrice > ss.peak {
		ss.peak = pos.HighestPrice
	}
	e.mu.Unlock()
	e.logEntry(pos.Symbol).WithField("highest", formatFloatPlain(pos.HighestPrice)).Debug("Обновлён максимум позиции.")
	return nil
}

// fetchCandles возвращает только закрытые свечи. Незакрытая последняя свеча отбрасывается.
func (e *Engine) fetchCandles(ctx context.Context, symbol string, now time.Time) ([]models.Candle, error) {
	tf := e.cfg.Bot.Timeframe
	candles, err := withRetry(ctx, e, "candles", func(ctx context.Context) ([]models.Candle, error) {
		return e.client.GetCandles(ctx, symbol, tf, e.cfg.Bot.History+1)
	})
	if err != nil {
		return nil, err
	}

	closed := make([]models.Candle, 0, len(candles))
	var last time.Time
	for _, c := range candles {
		if c.Time.Add(tf).After(now) {
			continue
		}
		closed = append(closed, c)
		if c.Time.After(last) {
			last = c.Time
		}
	}
	if len(closed) == 0 {
		return nil, fmt.Errorf("%w: нет закрытых свечей", errStaleCandles)
	}
	if age := now.Sub(last.Add(tf)); age > tf {
		return nil, fmt.Errorf("%w: последняя свеча %s, задержка %s", errStaleCandles, last.Format(time.RFC3339), age.Truncate(time.Second))
	}
	return closed, nil
}

func (e *Engine) allocatedCapital(ctx context.Context) (float64, error) {
	if e.cfg.Risk.AllocatedCapital > 0 {
		return e.cfg.Risk.AllocatedCapital, nil
	}
	if e.client == nil {
		return 0, nil
	}

	balances, err := withRetry(ctx, e, "balances", func(ctx context.Context) (map[string]exchange.Balance, error) {
		return e.client.GetBalances(ctx)
	})
	if err != nil {
		return 0, err
	}
	positions, err := e.store.View(ctx).OpenPositions()
	if err != nil {
		return 0, err
	}

	total := balances[e.cfg.Bot.QuoteCurrency].Total()
	for _, p := range positions {
		total += p.CostBasis
	}
	return total, nil
}
