package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("Некорректная конфигурация.")

type Config struct {
	Exchange ExchangeConfig
	Bot      BotConfig
	Strategy StrategyConfig
	Risk     RiskConfig
	Schedule ScheduleConfig
	Runtime  RuntimeConfig
	Notify   NotifyConfig
}

type ExchangeConfig struct {
	BaseURL     string
	WSURL       string
	AccessKey   string
	SecretKey   string
	Timeout     time.Duration
	OrderRate   float64
	OrderBurst  int
	MaxAttempts int
	Backoff     time.Duration
}

type BotConfig struct {
	Allocation       string
	Symbols          []string
	QuoteCurrency    string
	Timeframe        time.Duration
	History          int
	OrderType        string
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	OrderTTL         time.Duration
}

type StrategyConfig struct {
	EMAFast         int
	EMASlow         int
	RSIPeriod       int
	RSIMin          float64
	TrailingStopPct float64
}

type RiskConfig struct {
	PositionSizePct        float64
	MaxConcurrentPositions int
	MaxDailyLossPct        float64
	CooldownMinutes        int
	CapitalCeilingPct      float64
	AllocatedCapital       float64
}

type TradingWindow struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	StartHour int  `json:"start_hour" yaml:"start_hour"`
	EndHour   int  `json:"end_hour" yaml:"end_hour"`
}

type ScheduleConfig struct {
	Timezone    string
	Cron        string
	SummaryCron string
	Window      TradingWindow
}

type RuntimeConfig struct {
	DBPath     string
	EventQueue int
	Log        LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type NotifyConfig struct {
	QueueSize int
	Telegram  TelegramConfig
}

type TelegramConfig struct {
	Token  string
	ChatID int64
}

type Source struct {
	v *viper.Viper
}

func Open(path string) (*Source, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}

	setDefaults(v)
	v.SetEnvPrefix("TRENDBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Не удалось прочитать конфигурацию: %w", err)
		}
	}
	return &Source{v: v}, nil
}

func Load(path string) (*Config, error) {
	src, err := Open(path)
	if err != nil {
		return nil, err
	}
	return src.Config()
}

func (s *Source) Config() (*Config, error) {
	v := s.v
	cfg := &Config{}

	cfg.Exchange = ExchangeConfig{
		BaseURL:     v.GetString("exchange.base_url"),
		WSURL:       v.GetString("exchange.ws_url"),
		AccessKey:   envSub(v, "exchange.access_key"),
		SecretKey:   envSub(v, "exchange.secret_key"),
		Timeout:     v.GetDuration("exchange.timeout"),
		OrderRate:   v.GetFloat64("exchange.order_rate_per_sec"),
		OrderBurst:  v.GetInt("exchange.order_burst"),
		MaxAttempts: v.GetInt("exchange.max_attempts"),
		Backoff:     v.GetDuration("exchange.backoff"),
	}

	cfg.Bot = BotConfig{
		Allocation:       v.GetString("bot.allocation"),
		Symbols:          v.GetStringSlice("bot.symbols"),
		QuoteCurrency:    v.GetString("bot.quote_currency"),
		Timeframe:        v.GetDuration("bot.timeframe"),
		History:          v.GetInt("bot.history"),
		OrderType:        strings.ToLower(v.GetString("bot.order_type")),
		FillTimeout:      v.GetDuration("bot.fill_timeout"),
		FillPollInterval: v.GetDuration("bot.fill_poll_interval"),
		OrderTTL:         v.GetDuration("bot.order_ttl"),
	}

	cfg.Strategy = StrategyConfig{
		EMAFast:         v.GetInt("strategy.ema_fast"),
		EMASlow:         v.GetInt("strategy.ema_slow"),
		RSIPeriod:       v.GetInt("strategy.rsi_period"),
		RSIMin:          v.GetFloat64("strategy.rsi_min"),
		TrailingStopPct: v.GetFloat64("strategy.trailing_stop_pct"),
	}

	cfg.Risk = RiskConfig{
		PositionSizePct:        v.GetFloat64("risk.position_size_pct"),
		MaxConcurrentPositions: v.GetInt("risk.max_concurrent_positions"),
		MaxDailyLossPct:        v.GetFloat64("risk.max_daily_loss_pct"),
		CooldownMinutes:        v.GetInt("risk.cooldown_minutes"),
		CapitalCeilingPct:      v.GetFloat64("risk.capital_ceiling_pct"),
		AllocatedCapital:       v.GetFloat64("risk.allocated_capital"),
	}

	cfg.Schedule = ScheduleConfig{
		Timezone:    v.GetString("schedule.timezone"),
		Cron:        v.GetString("schedule.cron"),
		SummaryCron: v.GetString("schedule.summary_cron"),
		Window: TradingWindow{
			Enabled:   v.GetBool("schedule.trading_window.enabled"),
			StartHour: v.GetInt("schedule.trading_window.start_hour"),
			EndHour:   v.GetInt("schedule.trading_window.end_hour"),
		},
	}

	cfg.Runtime = RuntimeConfig{
		DBPath:     v.GetString("runtime.db_path"),
		EventQueue: v.GetInt("runtime.event_queue"),
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
	}

	cfg.Notify = NotifyConfig{
		QueueSize: v.GetInt("notify.queue_size"),
		Telegram: TelegramConfig{
			Token:  envSub(v, "notify.telegram.token"),
			ChatID: v.GetInt64("notify.telegram.chat_id"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Source) Watch(fn func(*Config, error)) {
	s.v.OnConfigChange(func(fsnotify.Event) {
		fn(s.Config())
	})
	s.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.base_url", "https://api.upbit.com")
	v.SetDefault("exchange.ws_url", "wss://api.upbit.com/websocket/v1")
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("exchange.order_rate_per_sec", 8)
	v.SetDefault("exchange.order_burst", 8)
	v.SetDefault("exchange.max_attempts", 4)
	v.SetDefault("exchange.backoff", time.Second)

	v.SetDefault("bot.allocation", "main")
	v.SetDefault("bot.symbols", []string{"KRW-BTC"})
	v.SetDefault("bot.quote_currency", "KRW")
	v.SetDefault("bot.timeframe", time.Hour)
	v.SetDefault("bot.history", 200)
	v.SetDefault("bot.order_type", "market")
	v.SetDefault("bot.fill_timeout", 20*time.Second)
	v.SetDefault("bot.fill_poll_interval", time.Second)
	v.SetDefault("bot.order_ttl", 10*time.Minute)

	v.SetDefault("strategy.ema_fast", 12)
	v.SetDefault("strategy.ema_slow", 26)
	v.SetDefault("strategy.rsi_period", 14)
	v.SetDefault("strategy.rsi_min", 50)
	v.SetDefault("strategy.trailing_stop_pct", 0.03)

	v.SetDefault("risk.position_size_pct", 0.2)
	v.SetDefault("risk.max_concurrent_positions", 3)
	v.SetDefault("risk.max_daily_loss_pct", 0.05)
	v.SetDefault("risk.cooldown_minutes", 60)
	v.SetDefault("risk.capital_ceiling_pct", 0.8)
	v.SetDefault("risk.allocated_capital", 0)

	v.SetDefault("schedule.timezone", "Asia/Seoul")
	v.SetDefault("schedule.cron", "5 0 * * * *")
	v.SetDefault("schedule.summary_cron", "0 0 0 * * *")
	v.SetDefault("schedule.trading_window.enabled", false)
	v.SetDefault("schedule.trading_window.start_hour", 0)
	v.SetDefault("schedule.trading_window.end_hour", 24)

	v.SetDefault("runtime.db_path", "data/trendbot.db")
	v.SetDefault("runtime.event_queue", 256)
	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.format", "text")
	v.SetDefault("runtime.log.max_size", 50)
	v.SetDefault("runtime.log.max_backups", 5)
	v.SetDefault("runtime.log.max_age", 30)

	v.SetDefault("notify.queue_size", 100)
}

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
