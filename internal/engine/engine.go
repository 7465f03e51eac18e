package engine

import (
	"errors"
	"sync"
	"time"
	"trendbot/internal/config"
	"trendbot/internal/exchange"
	"trendbot/internal/gateway"
	"trendbot/internal/indicator"
	"trendbot/internal/logger"
	"trendbot/internal/models"
	"trendbot/internal/notify"
	"trendbot/internal/risk"
	"trendbot/internal/signal"
	"trendbot/internal/store"
)

type Notifier interface {
	Publish(ev notify.Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(notify.Event) {}

type Deps struct {
	Config   *config.Config
	Client   exchange.Client
	Store    *store.Store
	Gateway  *gateway.Gateway
	Notifier Notifier
	Log      *logger.Logger
	Clock    func() time.Time
}

type Engine struct {
	cfg      *config.Config
	client   exchange.Client
	store    *store.Store
	gateway  *gateway.Gateway
	ledger   *risk.Ledger
	signals  *signal.Generator
	notifier Notifier
	log      *logger.Logger
	loc      *time.Location
	now      func() time.Time

	mu       sync.RWMutex
	params   config.Params
	running  bool
	fatal    error
	day      string
	symbols  map[string]*symbolState
	rules    map[string]exchange.InstrumentRules
	events   chan Event
	cycleMu  sync.Mutex
	inflight sync.WaitGroup
}

type symbolState struct {
	claim sync.Mutex

	lastPrice   float64
	peak        float64
	hasPosition bool
	blocked     string
	snapshot    *indicator.Snapshot
	lastCycle   time.Time
}

func New(d Deps) (*Engine, error) {
	if d.Config == nil || d.Store == nil || d.Log == nil {
		return nil, errors.New("Не заданы зависимости движка.")
	}
	loc, err := d.Config.Schedule.Location()
	if err != nil {
		return nil, err
	}

	params := d.Config.Params()
	gw := d.Gateway
	if gw == nil && d.Client != nil {
		gw = gateway.New(d.Client, d.Store, gateway.Config{
			RatePerSec:  d.Config.Exchange.OrderRate,
			Burst:       d.Config.Exchange.OrderBurst,
			MaxAttempts: d.Config.Exchange.MaxAttempts,
			Backoff:     d.Config.Exchange.Backoff,
			MaxBackoff:  30 * d.Config.Exchange.Backoff,
			CallTimeout: d.Config.Exchange.Timeout,
		}, d.Log)
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	if gw != nil && d.Gateway == nil {
		gw.SetClock(clock)
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	queue := d.Config.Runtime.EventQueue
	if queue < 1 {
		queue = 1
	}

	e := &Engine{
		cfg:      d.Config,
		client:   d.Client,
		store:    d.Store,
		gateway:  gw,
		ledger:   risk.NewLedger(d.Config.Bot.Allocation, loc, risk.LimitsFrom(params)),
		signals:  signal.NewGenerator(),
		notifier: notifier,
		log:      d.Log,
		loc:      loc,
		now:      clock,
		params:   params,
		running:  true,
		symbols:  make(map[string]*symbolState, len(d.Config.Bot.Symbols)),
		rules:    make(map[string]exchange.InstrumentRules),
		events:   make(chan Event, queue),
	}
	for _, symbol := range d.Config.Bot.Symbols {
		e.symbols[symbol] = &symbolState{}
	}
	return e, nil
}

func (e *Engine) symbol(symbol string) *symbolState {
	e.mu.RLock()
	ss, ok := e.symbols[symbol]
	e.mu.RUnlock()
	if ok {
		return ss
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ss, ok = e.symbols[symbol]; !ok {
		ss = &symbolState{}
		e.symbols[symbol] = ss
	}
	return ss
}

func (e *Engine) Params() config.Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running && e.fatal == nil
}

func (e *Engine) setBlocked(symbol, reason string) {
	ss := e.symbol(symbol)
	e.mu.Lock()
	ss.blocked = reason
	e.mu.Unlock()
}

func (e *Engine) publish(kind notify.Kind, symbol, message string, fields map[string]any) {
	e.notifier.Publish(notify.Event{
		Kind:    kind,
		Symbol:  symbol,
		Message: message,
		Fields:  fields,
		At:      e.now(),
	})
}

func (e *Engine) orderType() models.OrderType {
	if e.cfg.Bot.OrderType == "limit" {
		return models.OrderTypeLimit
	}
	return models.OrderTypeMarket
}
