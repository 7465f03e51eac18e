package engine

import (
	"context"
	"fmt"
	"trendbot/internal/config"
	"trendbot/internal/notify"
	"trendbot/internal/risk"
	"trendbot/internal/store"
)

// refreshControl подхватывает флаги, изменённые другим процессом через БД.
func (e *Engine) refreshControl(ctx context.Context) error {
	var c store.Control
	err := e.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		c, err = tx.Control()
		return err
	})
	if err != nil {
		return fmt.Errorf("Не удалось прочитать состояние управления: %w", err)
	}

	if c.KillSwitch != e.ledger.KillSwitch() {
		e.logEntry("").WithField("kill_switch", c.KillSwitch).Warn("Состояние аварийного выключателя изменено.")
	}
	e.ledger.SetKillSwitch(c.KillSwitch)

	e.mu.Lock()
	e.running = !c.Stopped
	e.mu.Unlock()
	return nil
}

func (e *Engine) updateControl(ctx context.Context, fn func(c *store.Control)) error {
	return e.store.Tx(ctx, func(tx *store.Tx) error {
		c, err := tx.Control()
		if err != nil {
			return err
		}
		fn(&c)
		c.UpdatedAt = e.now()
		return tx.SaveControl(&c)
	})
}

func (e *Engine) Start(ctx context.Context) error {
	if err := e.updateControl(ctx, func(c *store.Control) { c.Stopped = false }); err != nil {
		return err
	}
	e.mu.Lock()
	e.running = true
	e.fatal = nil
	e.mu.Unlock()
	e.logEntry("").Info("Торговля запущена.")
	return nil
}

// Stop останавливает новые циклы. Уже отправленные заявки доводятся до конца.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.updateControl(ctx, func(c *store.Control) { c.Stopped = true }); err != nil {
		return err
	}
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.logEntry("").Info("Торговля остановлена.")
	return nil
}

// KillSwitch блокирует входы и запрашивает выход из всех позиций в ближайшем цикле.
func (e *Engine) KillSwitch(ctx context.Context) error {
	if err := e.updateControl(ctx, func(c *store.Control) { c.KillSwitch = true }); err != nil {
		return err
	}
	e.ledger.SetKillSwitch(true)
	e.logEntry("").Warn("Включён аварийный выключатель.")
	e.publish(notify.KindHalt, "", "Включён аварийный выключатель, позиции будут закрыты.", nil)
	e.enqueue(Event{Kind: EventCycle, At: e.now()})
	return nil
}

func (e *Engine) ResumeTrading(ctx context.Context) error {
	if err := e.updateControl(ctx, func(c *store.Control) { c.KillSwitch = false }); err != nil {
		return err
	}
	e.ledger.SetKillSwitch(false)
	e.logEntry("").Info("Аварийный выключатель снят.")
	return nil
}

func (e *Engine) ApplyParams(p config.Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	e.ledger.SetLimits(risk.LimitsFrom(p))
	e.logEntry("").WithField("params", fmt.Sprintf("%+v", p)).Info("Параметры стратегии и риска применены.")
	return nil
}

// halt останавливает движок после критической ошибки конфигурации.
func (e *Engine) halt(err error) {
	e.mu.Lock()
	already := e.fatal != nil
	e.fatal = err
	e.running = false
	e.mu.Unlock()
	if already {
		return
	}
	e.logEntry("").WithError(err).Error("Критическая ошибка, торговля остановлена.")
	e.publish(notify.KindError, "", "Критическая ошибка, торговля остановлена: "+err.Error(), nil)
}
