package config

import (
	"fmt"
	"time"
)

type Params struct {
	EMAFast                int           `json:"ema_fast" yaml:"ema_fast"`
	EMASlow                int           `json:"ema_slow" yaml:"ema_slow"`
	RSIPeriod              int           `json:"rsi_period" yaml:"rsi_period"`
	RSIMin                 float64       `json:"rsi_min" yaml:"rsi_min"`
	TrailingStopPct        float64       `json:"trailing_stop_pct" yaml:"trailing_stop_pct"`
	PositionSizePct        float64       `json:"position_size_pct" yaml:"position_size_pct"`
	MaxConcurrentPositions int           `json:"max_concurrent_positions" yaml:"max_concurrent_positions"`
	MaxDailyLossPct        float64       `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	CooldownMinutes        int           `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	CapitalCeilingPct      float64       `json:"capital_ceiling_pct" yaml:"capital_ceiling_pct"`
	TradingWindow          TradingWindow `json:"trading_window" yaml:"trading_window"`
}

func (c *Config) Params() Params {
	return Params{
		EMAFast:                c.Strategy.EMAFast,
		EMASlow:                c.Strategy.EMASlow,
		RSIPeriod:              c.Strategy.RSIPeriod,
		RSIMin:                 c.Strategy.RSIMin,
		TrailingStopPct:        c.Strategy.TrailingStopPct,
		PositionSizePct:        c.Risk.PositionSizePct,
		MaxConcurrentPositions: c.Risk.MaxConcurrentPositions,
		MaxDailyLossPct:        c.Risk.MaxDailyLossPct,
		CooldownMinutes:        c.Risk.CooldownMinutes,
		CapitalCeilingPct:      c.Risk.CapitalCeilingPct,
		TradingWindow:          c.Schedule.Window,
	}
}

func (p Params) Cooldown() time.Duration {
	return time.Duration(p.CooldownMinutes) * time.Minute
}

func (p Params) Validate() error {
	switch {
	case p.EMAFast < 2:
		return fmt.Errorf("%w: ema_fast=%d", ErrInvalid, p.EMAFast)
	case p.EMASlow <= p.EMAFast:
		return fmt.Errorf("%w: ema_slow=%d должен быть больше ema_fast=%d", ErrInvalid, p.EMASlow, p.EMAFast)
	case p.RSIPeriod < 2:
		return fmt.Errorf("%w: rsi_period=%d", ErrInvalid, p.RSIPeriod)
	case p.RSIMin < 0 || p.RSIMin >= 100:
		return fmt.Errorf("%w: rsi_min=%v", ErrInvalid, p.RSIMin)
	case !fraction(p.TrailingStopPct):
		return fmt.Errorf("%w: trailing_stop_pct=%v", ErrInvalid, p.TrailingStopPct)
	case !fraction(p.PositionSizePct):
		return fmt.Errorf("%w: position_size_pct=%v", ErrInvalid, p.PositionSizePct)
	case p.MaxConcurrentPositions < 1:
		return fmt.Errorf("%w: max_concurrent_positions=%d", ErrInvalid, p.MaxConcurrentPositions)
	case !fraction(p.MaxDailyLossPct):
		return fmt.Errorf("%w: max_daily_loss_pct=%v", ErrInvalid, p.MaxDailyLossPct)
	case p.CooldownMinutes < 0:
		return fmt.Errorf("%w: cooldown_minutes=%d", ErrInvalid, p.CooldownMinutes)
	case !fraction(p.CapitalCeilingPct):
		return fmt.Errorf("%w: capital_ceiling_pct=%v", ErrInvalid, p.CapitalCeilingPct)
	}
	return p.TradingWindow.Validate()
}

func fraction(v float64) bool {
	return v > 0 && v <= 1
}

func (w TradingWindow) Validate() error {
	if !w.Enabled {
		return nil
	}
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
		return fmt.Errorf("%w: trading_window %d-%d", ErrInvalid, w.StartHour, w.EndHour)
	}
	return nil
}

// Contains ожидает время уже в часовом поясе расписания.
func (w TradingWindow) Contains(t time.Time) bool {
	if !w.Enabled || w.StartHour == w.EndHour%24 {
		return true
	}
	h := t.Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

func (c *Config) Validate() error {
	if len(c.Bot.Symbols) == 0 {
		return fmt.Errorf("%w: не заданы торговые пары", ErrInvalid)
	}
	if c.Bot.Timeframe <= 0 {
		return fmt.Errorf("%w: timeframe=%s", ErrInvalid, c.Bot.Timeframe)
	}
	if c.Bot.OrderType != "market" && c.Bot.OrderType != "limit" {
		return fmt.Errorf("%w: order_type=%s", ErrInvalid, c.Bot.OrderType)
	}
	if c.Exchange.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts=%d", ErrInvalid, c.Exchange.MaxAttempts)
	}
	if c.Exchange.OrderRate <= 0 {
		return fmt.Errorf("%w: order_rate_per_sec=%v", ErrInvalid, c.Exchange.OrderRate)
	}
	if _, err := c.Schedule.Location(); err != nil {
		return err
	}
	return c.Params().Validate()
}

func (s ScheduleConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone=%s: %v", ErrInvalid, s.Timezone, err)
	}
	return loc, nil
}
