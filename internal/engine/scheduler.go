package engine

import (
	"context"
	"fmt"
	"time"
	"trendbot/internal/notify"
	"trendbot/internal/risk"
	"trendbot/internal/store"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

// newScheduler ставит события цикла и итогов дня в очередь движка.
func (e *Engine) newScheduler() (*cron.Cron, error) {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(e.loc),
		cron.WithLogger(cronLogger{entry: e.log.WithComponent("scheduler")}),
	)

	if _, err := c.AddFunc(e.cfg.Schedule.Cron, func() {
		e.enqueue(Event{Kind: EventCycle, At: e.now()})
	}); err != nil {
		return nil, fmt.Errorf("Некорректное расписание цикла %q: %w", e.cfg.Schedule.Cron, err)
	}

	if e.cfg.Schedule.SummaryCron != "" {
		if _, err := c.AddFunc(e.cfg.Schedule.SummaryCron, func() {
			e.enqueue(Event{Kind: EventSummary, At: e.now()})
		}); err != nil {
			return nil, fmt.Errorf("Некорректное расписание итогов %q: %w", e.cfg.Schedule.SummaryCron, err)
		}
	}
	return c, nil
}

// DailySummary публикует итоги торгового дня, закончившегося к моменту at.
func (e *Engine) DailySummary(ctx context.Context, at time.Time) error {
	prev := at.Add(-time.Second)
	var st risk.State
	err := e.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		st, err = e.ledger.State(tx, prev)
		return err
	})
	if err != nil {
		return err
	}

	local := prev.In(e.loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	closed, err := e.recentClosed(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	net := st.RealizedGain.Sub(st.RealizedLoss)
	fields := map[string]any{
		"day":            st.Day,
		"realized_pnl":   net.StringFixed(0),
		"realized_loss":  st.RealizedLoss.StringFixed(0),
		"wins":           st.Wins,
		"losses":         st.Losses,
		"closed":         len(closed),
		"open_positions": st.OpenPositions,
		"halted":         st.Halted,
	}
	e.logEntry("").WithFields(logrus.Fields(fields)).Info("Итоги дня.")
	e.publish(notify.KindDailySummary, "", fmt.Sprintf("Итоги %s: %s %s", st.Day, net.StringFixed(0), e.cfg.Bot.QuoteCurrency), fields)

	if err := e.beginDay(ctx, at); err != nil {
		return err
	}
	return nil
}
