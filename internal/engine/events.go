package engine

import (
	"context"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/models"
)

type EventKind string

const (
	EventCycle     EventKind = "cycle"
	EventSummary   EventKind = "summary"
	EventTicker    EventKind = "ticker"
	EventReconnect EventKind = "reconnect"
)

type Event struct {
	Kind   EventKind
	At     time.Time
	Ticker *models.Ticker
}

// enqueue не блокирует продюсеров: при переполнении событие отбрасывается.
func (e *Engine) enqueue(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	default:
		if ev.Kind != EventTicker {
			e.logEntry("").WithField("event", ev.Kind).Warn("Очередь событий переполнена, событие отброшено.")
		}
		return false
	}
}

// Run восстанавливает состояние, запускает расписание и поток тикеров и
// обрабатывает события до отмены ctx.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Restore(ctx); err != nil {
		return err
	}

	sched, err := e.newScheduler()
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		<-sched.Stop().Done()
	}()

	if e.client != nil {
		go e.forwardTickers(ctx)
	}
	e.logEntry("").WithField("symbols", e.cfg.Bot.Symbols).Info("Движок запущен.")

	for {
		select {
		case <-ctx.Done():
			e.inflight.Wait()
			e.logEntry("").Info("Движок остановлен.")
			return nil
		case ev := <-e.events:
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventCycle:
		if !e.cycleMu.TryLock() {
			e.logEntry("").Warn("Предыдущий цикл ещё выполняется, цикл пропущен.")
			return
		}
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			defer e.cycleMu.Unlock()
			if err := e.RunCycle(ctx, ev.At); err != nil {
				e.logEntry("").WithError(err).Error("Цикл завершился с ошибкой.")
			}
		}()
	case EventSummary:
		if err := e.DailySummary(ctx, ev.At); err != nil {
			e.logEntry("").WithError(err).Warn("Не удалось сформировать итоги дня.")
		}
	case EventTicker:
		if ev.Ticker != nil {
			e.handleTicker(ctx, *ev.Ticker)
		}
	case EventReconnect:
		e.logEntry("").Info("Поток тикеров переподключён, сверка заявок.")
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			e.reconcileIdle(ctx)
		}()
	}
}

func (e *Engine) forwardTickers(ctx context.Context) {
	events, err := e.client.Subscribe(ctx, e.cfg.Bot.Symbols)
	if err != nil {
		e.logEntry("").WithError(err).Warn("Не удалось подписаться на тикеры, работаем только по свечам.")
		return
	}
	for ev := range events {
		switch ev.Type {
		case exchange.EventTypeTicker:
			if ev.Ticker != nil {
				e.enqueue(Event{Kind: EventTicker, At: ev.Ticker.Timestamp, Ticker: ev.Ticker})
			}
		case exchange.EventTypeReconnect:
			e.enqueue(Event{Kind: EventReconnect, At: e.now()})
		}
	}
	e.logEntry("").Warn("Канал событий WS закрыт.")
}

// handleTicker обновляет последнюю цену и максимум открытой позиции. Если пара
// занята циклом, максимум сохранится в следующем цикле.
func (e *Engine) handleTicker(ctx context.Context, t models.Ticker) {
	ss := e.symbol(t.Symbol)
	e.mu.Lock()
	ss.lastPrice = t.LastPrice
	raise := ss.hasPosition && t.LastPrice > ss.peak
	if raise {
		ss.peak = t.LastPrice
	}
	e.mu.Unlock()
	if !raise || !ss.claim.TryLock() {
		return
	}
	defer ss.claim.Unlock()

	pos, err := e.store.View(ctx).OpenPosition(t.Symbol)
	if err != nil || pos == nil {
		return
	}
	if err := e.observeHigh(ctx, pos, t.LastPrice); err != nil {
		e.logEntry(t.Symbol).WithError(err).Warn("Не удалось сохранить максимум позиции.")
	}
}

// reconcileIdle сверяет пары, которые сейчас не обрабатываются циклом.
func (e *Engine) reconcileIdle(ctx context.Context) {
	for _, symbol := range e.cfg.Bot.Symbols {
		ss := e.symbol(symbol)
		if !ss.claim.TryLock() {
			continue
		}
		if err := e.reconcileSymbol(ctx, symbol); err != nil {
			e.logEntry(symbol).WithError(err).Warn("Не удалось сверить заявки после переподключения.")
		}
		ss.claim.Unlock()
	}
}

// recentClosed используется итогами дня.
func (e *Engine) recentClosed(ctx context.Context, from, to time.Time) ([]models.Position, error) {
	closed, err := e.store.View(ctx).ClosedPositions(100)
	if err != nil {
		return nil, err
	}
	out := closed[:0]
	for _, p := range closed {
		if p.ClosedAt != nil && !p.ClosedAt.Before(from) && p.ClosedAt.Before(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

