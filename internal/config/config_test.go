package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadReadsFileAndSubstitutesEnv(t *testing.T) {
	t.Setenv("TEST_UPBIT_SECRET", "s3cret")
	path := writeConfig(t, `
exchange:
  access_key: plain-key
  secret_key: ${TEST_UPBIT_SECRET}
bot:
  symbols: [KRW-BTC, KRW-ETH]
  timeframe: 1h
strategy:
  ema_fast: 5
  ema_slow: 20
risk:
  max_daily_loss_pct: 0.05
schedule:
  trading_window:
    enabled: true
    start_hour: 9
    end_hour: 21
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchange.SecretKey != "s3cret" {
		t.Errorf("expected env substitution, got %q", cfg.Exchange.SecretKey)
	}
	if cfg.Exchange.AccessKey != "plain-key" {
		t.Errorf("expected plain key, got %q", cfg.Exchange.AccessKey)
	}
	if len(cfg.Bot.Symbols) != 2 || cfg.Bot.Symbols[1] != "KRW-ETH" {
		t.Errorf("unexpected symbols %v", cfg.Bot.Symbols)
	}
	if cfg.Bot.Timeframe != time.Hour {
		t.Errorf("expected 1h, got %s", cfg.Bot.Timeframe)
	}
	if cfg.Strategy.EMAFast != 5 || cfg.Strategy.EMASlow != 20 || cfg.Strategy.RSIPeriod != 14 {
		t.Errorf("unexpected strategy %+v", cfg.Strategy)
	}
	if cfg.Schedule.Timezone != "Asia/Seoul" {
		t.Errorf("expected default timezone, got %q", cfg.Schedule.Timezone)
	}
	if !cfg.Schedule.Window.Enabled || cfg.Schedule.Window.StartHour != 9 {
		t.Errorf("unexpected window %+v", cfg.Schedule.Window)
	}
}

func TestLoadRejectsInvalidParams(t *testing.T) {
	path := writeConfig(t, `
strategy:
  ema_fast: 30
  ema_slow: 10
`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParamsValidate(t *testing.T) {
	valid := Params{
		EMAFast: 12, EMASlow: 26, RSIPeriod: 14, RSIMin: 50,
		TrailingStopPct: 0.03, PositionSizePct: 0.2, MaxConcurrentPositions: 3,
		MaxDailyLossPct: 0.05, CooldownMinutes: 60, CapitalCeilingPct: 0.8,
	}

	tests := []struct {
		name   string
		mutate func(*Params)
		ok     bool
	}{
		{name: "valid", mutate: func(p *Params) {}, ok: true},
		{name: "slow not above fast", mutate: func(p *Params) { p.EMASlow = 12 }},
		{name: "rsi period too small", mutate: func(p *Params) { p.RSIPeriod = 1 }},
		{name: "trailing stop above one", mutate: func(p *Params) { p.TrailingStopPct = 3 }},
		{name: "zero position size", mutate: func(p *Params) { p.PositionSizePct = 0 }},
		{name: "no positions allowed", mutate: func(p *Params) { p.MaxConcurrentPositions = 0 }},
		{name: "negative cooldown", mutate: func(p *Params) { p.CooldownMinutes = -1 }},
		{name: "bad window", mutate: func(p *Params) { p.TradingWindow = TradingWindow{Enabled: true, StartHour: 25} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestTradingWindowContains(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2024, 5, 1, h, 30, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		window TradingWindow
		hour   int
		want   bool
	}{
		{name: "disabled", window: TradingWindow{}, hour: 3, want: true},
		{name: "inside", window: TradingWindow{Enabled: true, StartHour: 9, EndHour: 18}, hour: 9, want: true},
		{name: "end exclusive", window: TradingWindow{Enabled: true, StartHour: 9, EndHour: 18}, hour: 18, want: false},
		{name: "overnight late", window: TradingWindow{Enabled: true, StartHour: 22, EndHour: 6}, hour: 23, want: true},
		{name: "overnight early", window: TradingWindow{Enabled: true, StartHour: 22, EndHour: 6}, hour: 5, want: true},
		{name: "overnight outside", window: TradingWindow{Enabled: true, StartHour: 22, EndHour: 6}, hour: 12, want: false},
		{name: "full day", window: TradingWindow{Enabled: true, StartHour: 0, EndHour: 24}, hour: 23, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.window.Contains(at(tt.hour)); got != tt.want {
				t.Errorf("Contains(%d) = %v, want %v", tt.hour, got, tt.want)
			}
		})
	}
}
