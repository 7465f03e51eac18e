package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
	"trendbot/internal/config"
	"trendbot/internal/exchange"
	"trendbot/internal/logger"
	"trendbot/internal/models"
	"trendbot/internal/notify"
	"trendbot/internal/risk"
	"trendbot/internal/signal"
	"trendbot/internal/store"
)

const testSymbol = "KRW-BTC"

type fakeClient struct {
	mu         sync.Mutex
	candles    []models.Candle
	price      float64
	orders     map[string]models.Order
	calls      []string
	placeCalls int
	placeErr   error
	// доля исполнения покупки; меньше 1 означает отмену остатка биржей
	fillRatio  float64
	seq        int
}

func newFakeClient() *fakeClient {
	return &fakeClient{orders: make(map[string]models.Order), price: 110, fillRatio: 1}
}

func (f *fakeClient) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeClient) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	return exchange.InstrumentRules{
		Symbol:      symbol,
		BaseCoin:    "BTC",
		QuoteCoin:   "KRW",
		QtyStep:     0.00000001,
		MinNotional: 5000,
		BidFee:      0.0005,
		AskFee:      0.0005,
		Ticks:       []exchange.TickBand{{From: 100, Tick: 1}, {From: 0, Tick: 0.1}},
	}, nil
}

func (f *fakeClient) GetCandles(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetCandles")
	out := make([]models.Candle, len(f.candles))
	copy(out, f.candles)
	return out, nil
}

func (f *fakeClient) Subscribe(ctx context.Context, symbols []string) (<-chan exchange.Event, error) {
	ch := make(chan exchange.Event)
	close(ch)
	return ch, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PlaceOrder")
	f.placeCalls++
	if f.placeErr != nil {
		return models.Order{}, f.placeErr
	}

	f.seq++
	order.ExchangeID = fmt.Sprintf("ex-%d", f.seq)
	order.Status = models.OrderStatusFilled
	if order.Side == models.OrderSideBuy {
		order.ExecutedFunds = order.Notional * f.fillRatio
		order.FilledQty = order.ExecutedFunds / f.price
		if f.fillRatio < 1 {
			order.Status = models.OrderStatusCanceled
		}
	} else {
		order.FilledQty = order.Qty
		order.ExecutedFunds = order.Qty * f.price
	}
	order.Fee = order.ExecutedFunds * 0.0005
	f.orders[order.LinkID] = order
	return order, nil
}

func (f *fakeClient) GetOrder(ctx context.Context, ref exchange.OrderRef) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetOrder")
	o, ok := f.orders[ref.LinkID]
	if !ok {
		return models.Order{}, &exchange.APIError{StatusCode: 404, Name: "order_not_found"}
	}
	return o, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, ref exchange.OrderRef) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CancelOrder")
	o, ok := f.orders[ref.LinkID]
	if !ok {
		return models.Order{}, &exchange.APIError{StatusCode: 404, Name: "order_not_found"}
	}
	o.Status = models.OrderStatusCanceled
	f.orders[ref.LinkID] = o
	return o, nil
}

func (f *fakeClient) GetBalances(ctx context.Context) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{"KRW": {Currency: "KRW", Balance: 1000000}}, nil
}

func (f *fakeClient) firstCall(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if c == name {
			return i
		}
	}
	return -1
}

func (f *fakeClient) setCandles(c []models.Candle) {
	f.mu.Lock()
	f.candles = c
	f.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []notify.Kind
}

func (n *recordingNotifier) Publish(ev notify.Event) {
	n.mu.Lock()
	n.kinds = append(n.kinds, ev.Kind)
	n.mu.Unlock()
}

func (n *recordingNotifier) has(kind notify.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range n.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func testConfig() *config.Config {
	return &config.Config{
		Exchange: config.ExchangeConfig{
			Timeout:     time.Second,
			OrderRate:   1000,
			OrderBurst:  100,
			MaxAttempts: 2,
			Backoff:     time.Millisecond,
		},
		Bot: config.BotConfig{
			Allocation:       "test",
			Symbols:          []string{testSymbol},
			QuoteCurrency:    "KRW",
			Timeframe:        time.Hour,
			History:          60,
			OrderType:        "market",
			FillTimeout:      200 * time.Millisecond,
			FillPollInterval: 5 * time.Millisecond,
			OrderTTL:         time.Minute,
		},
		Strategy: config.StrategyConfig{
			EMAFast:         3,
			EMASlow:         5,
			RSIPeriod:       3,
			RSIMin:          50,
			TrailingStopPct: 0.03,
		},
		Risk: config.RiskConfig{
			PositionSizePct:        0.2,
			MaxConcurrentPositions: 3,
			MaxDailyLossPct:        0.05,
			CooldownMinutes:        60,
			CapitalCeilingPct:      0.8,
			AllocatedCapital:       1000000,
		},
		Schedule: config.ScheduleConfig{
			Timezone: "Asia/Seoul",
			Cron:     "5 0 * * * *",
		},
		Runtime: config.RuntimeConfig{EventQueue: 16},
	}
}

type testEnv struct {
	engine   *Engine
	client   *fakeClient
	store    *store.Store
	notifier *recordingNotifier
	now      time.Time
}

func newTestEnv(t *testing.T, cfg *config.Config, st *store.Store) *testEnv {
	t.Helper()
	if st == nil {
		var err error
		st, err = store.Open(":memory:", logger.Nop())
		if err != nil {
			t.Fatalf("store.Open: %v", err)
		}
		t.Cleanup(func() { st.Close() })
	}

	env := &testEnv{
		client:   newFakeClient(),
		store:    st,
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC),
	}
	e, err := New(Deps{
		Config:   cfg,
		Client:   env.client,
		Store:    st,
		Notifier: env.notifier,
		Log:      logger.Nop(),
		Clock:    func() time.Time { return env.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.engine = e
	return env
}

// hourly строит закрытые часовые свечи, последняя начинается в last.
func hourly(last time.Time, closes ...float64) []models.Candle {
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		ts := last.Add(-time.Duration(len(closes)-1-i) * time.Hour)
		out[i] = models.Candle{Symbol: testSymbol, Time: ts, Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func crossoverCandles(now time.Time) []models.Candle {
	lastClosed := now.Truncate(time.Hour).Add(-time.Hour)
	candles := hourly(lastClosed, append(flat(30, 100), 110)...)
	forming := models.Candle{Symbol: testSymbol, Time: lastClosed.Add(time.Hour), Open: 110, High: 110, Low: 50, Close: 50}
	return append(candles, forming)
}

func (env *testEnv) openPosition(t *testing.T) *models.Position {
	t.Helper()
	pos, err := env.store.View(context.Background()).OpenPosition(testSymbol)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	return pos
}

func (env *testEnv) ledger(t *testing.T) risk.Snapshot {
	t.Helper()
	st, err := env.engine.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st.Ledger
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestCycleEntersOnCrossover(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()
	env.client.setCandles(crossoverCandles(env.now))

	if err := env.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if env.client.placeCalls != 1 {
		t.Fatalf("placeCalls = %d, want 1", env.client.placeCalls)
	}
	pos := env.openPosition(t)
	if pos == nil {
		t.Fatal("position not opened")
	}
	if !almostEqual(pos.Quantity, 199900.0/110) || !almostEqual(pos.CostBasis, 199999.95) {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if got := env.engine.signals.State(testSymbol); got != signal.StateLong {
		t.Fatalf("generator state = %s, want LONG", got)
	}

	snap := env.ledger(t)
	if !almostEqual(snap.CapitalInUse, 199999.95) || snap.OpenPositions != 1 || snap.PendingEntries != 0 {
		t.Fatalf("unexpected ledger: %+v", snap)
	}
	if snap.CapitalInUse > snap.CapitalCeiling {
		t.Fatalf("capital in use above ceiling")
	}
	if !env.notifier.has(notify.KindOrderPlaced) || !env.notifier.has(notify.KindOrderFilled) {
		t.Fatalf("notifications = %v", env.notifier.kinds)
	}

	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if env.client.placeCalls != 1 {
		t.Fatalf("same candle produced another order")
	}
}

func TestCyclePartialEntryCommitsFilledCost(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()
	env.client.setCandles(crossoverCandles(env.now))
	env.client.fillRatio = 0.5

	if err := env.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	funds := 199900.0 / 2
	cost := funds + funds*0.0005
	pos := env.openPosition(t)
	if pos == nil {
		t.Fatal("position not opened for partial fill")
	}
	if !almostEqual(pos.Quantity, funds/110) || !almostEqual(pos.CostBasis, cost) {
		t.Fatalf("unexpected position: %+v", pos)
	}

	snap := env.ledger(t)
	if !almostEqual(snap.CapitalInUse, cost) || snap.PendingEntries != 0 || snap.OpenPositions != 1 {
		t.Fatalf("unfilled remainder not released: %+v", snap)
	}
	if got := env.engine.signals.State(testSymbol); got != signal.StateLong {
		t.Fatalf("generator state = %s, want LONG", got)
	}
}

func TestKillSwitchExitsOpenPositions(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()
	env.client.setCandles(crossoverCandles(env.now))
	if err := env.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if env.openPosition(t) == nil {
		t.Fatal("position not opened")
	}

	if err := env.engine.KillSwitch(ctx); err != nil {
		t.Fatalf("KillSwitch: %v", err)
	}
	env.now = env.now.Add(time.Hour)
	env.client.setCandles(hourly(env.now.Truncate(time.Hour).Add(-time.Hour), append(flat(30, 100), 110, 110)...))

	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if env.client.placeCalls != 2 {
		t.Fatalf("placeCalls = %d, want 2", env.client.placeCalls)
	}
	if pos := env.openPosition(t); pos != nil {
		t.Fatalf("position still open: %+v", pos)
	}

	snap := env.ledger(t)
	if !snap.KillSwitch || snap.OpenPositions != 0 || !almostEqual(snap.CapitalInUse, 0) {
		t.Fatalf("unexpected ledger: %+v", snap)
	}
	if snap.Losses != 1 || snap.ConsecutiveLosses != 1 {
		t.Fatalf("losses=%d consecutive=%d", snap.Losses, snap.ConsecutiveLosses)
	}
}

func TestRestoreReconcilesUnknownOrderBeforeCandles(t *testing.T) {
	cfg := testConfig()
	env := newTestEnv(t, cfg, nil)
	ctx := context.Background()
	now := env.now
	qty := 1817.27272727

	loc, _ := cfg.Schedule.Location()
	ledger := risk.NewLedger(cfg.Bot.Allocation, loc, risk.LimitsFrom(cfg.Params()))
	err := env.store.Tx(ctx, func(tx *store.Tx) error {
		if _, err := ledger.BeginDay(tx, now, cfg.Risk.AllocatedCapital); err != nil {
			return err
		}
		if _, err := ledger.Authorize(tx, now, testSymbol, "entry-1", 200000); err != nil {
			return err
		}
		if err := ledger.Commit(tx, now, testSymbol, "entry-1", 199999.95); err != nil {
			return err
		}
		if err := tx.CreatePosition(&models.Position{
			Symbol: testSymbol, EntryPrice: 110, Quantity: qty, CostBasis: 199999.95, HighestPrice: 110,
			EntryTime: now.Add(-2 * time.Hour), EntryLinkID: "entry-1",
			ExitRequested: true, ExitReason: "ema_cross_down", ExitLinkID: "exit-1",
		}); err != nil {
			return err
		}
		if err := tx.SaveOrder(&models.Order{
			LinkID: "entry-1", Symbol: testSymbol, Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
			Intent: models.OrderIntentEntry, Status: models.OrderStatusFilled, Applied: true,
		}); err != nil {
			return err
		}
		return tx.SaveOrder(&models.Order{
			LinkID: "exit-1", Symbol: testSymbol, Side: models.OrderSideSell, Type: models.OrderTypeMarket,
			Intent: models.OrderIntentExit, Qty: qty, Status: models.OrderStatusUnknown, Attempts: 1,
			CreatedAt: now.Add(-time.Minute),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	env.client.orders["exit-1"] = models.Order{
		LinkID: "exit-1", ExchangeID: "ex-77", Status: models.OrderStatusFilled,
		FilledQty: qty, ExecutedFunds: qty * 120, Fee: qty * 120 * 0.0005,
	}
	env.client.setCandles(hourly(now.Truncate(time.Hour).Add(-time.Hour), flat(31, 120)...))

	if err := env.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if env.client.firstCall("GetCandles") != -1 {
		t.Fatalf("candles fetched during restore")
	}
	if pos := env.openPosition(t); pos != nil {
		t.Fatalf("position not closed by reconciliation: %+v", pos)
	}

	if err := env.engine.RunCycle(ctx, now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	get, candles := env.client.firstCall("GetOrder"), env.client.firstCall("GetCandles")
	if get == -1 || candles == -1 || get > candles {
		t.Fatalf("calls = %v", env.client.calls)
	}
	if env.client.placeCalls != 0 {
		t.Fatalf("unexpected order placed")
	}

	snap := env.ledger(t)
	if snap.OpenPositions != 0 || !almostEqual(snap.CapitalInUse, 0) || snap.Wins != 1 || snap.ConsecutiveLosses != 0 {
		t.Fatalf("unexpected ledger: %+v", snap)
	}
}

func TestCycleSkipsStaleCandles(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()
	env.client.setCandles(hourly(env.now.Add(-5*time.Hour).Truncate(time.Hour), append(flat(30, 100), 110)...))

	if err := env.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if env.client.placeCalls != 0 {
		t.Fatalf("order placed on stale data")
	}
	st, err := env.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.Symbols) != 1 || st.Symbols[0].Blocked != "stale_candles" {
		t.Fatalf("unexpected status: %+v", st.Symbols)
	}
}

func TestTradingWindowSuppressesEntries(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule.Window = config.TradingWindow{Enabled: true, StartHour: 0, EndHour: 1}
	env := newTestEnv(t, cfg, nil)
	ctx := context.Background()
	env.client.setCandles(crossoverCandles(env.now))

	if err := env.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if env.client.placeCalls != 0 {
		t.Fatalf("entry placed outside trading window")
	}
	if got := env.engine.signals.State(testSymbol); got != signal.StateFlat {
		t.Fatalf("generator state = %s, want FLAT", got)
	}
}

func TestRejectedEntryReleasesReservation(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()
	env.client.setCandles(crossoverCandles(env.now))
	env.client.placeErr = &exchange.APIError{StatusCode: 400, Name: "insufficient_funds_bid"}

	if err := env.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if env.openPosition(t) != nil {
		t.Fatal("position opened after rejection")
	}
	snap := env.ledger(t)
	if !almostEqual(snap.CapitalInUse, 0) || snap.PendingEntries != 0 {
		t.Fatalf("reservation not released: %+v", snap)
	}
	if got := env.engine.signals.State(testSymbol); got != signal.StateFlat {
		t.Fatalf("generator state = %s, want FLAT", got)
	}
	if !env.notifier.has(notify.KindOrderRejected) {
		t.Fatalf("notifications = %v", env.notifier.kinds)
	}
}

func TestTickerRaisesHighestPrice(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()
	env.client.setCandles(crossoverCandles(env.now))
	if err := env.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	env.engine.handleTicker(ctx, models.Ticker{Symbol: testSymbol, LastPrice: 130, Timestamp: env.now})
	env.engine.handleTicker(ctx, models.Ticker{Symbol: testSymbol, LastPrice: 120, Timestamp: env.now})

	pos := env.openPosition(t)
	if pos == nil || pos.HighestPrice != 130 {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestApplyParams(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	bad := env.engine.Params()
	bad.EMASlow = bad.EMAFast
	if err := env.engine.ApplyParams(bad); err == nil {
		t.Fatal("invalid params accepted")
	}

	good := env.engine.Params()
	good.RSIMin = 60
	good.MaxConcurrentPositions = 1
	if err := env.engine.ApplyParams(good); err != nil {
		t.Fatalf("ApplyParams: %v", err)
	}
	if env.engine.Params().RSIMin != 60 {
		t.Fatalf("params not applied")
	}
}

func TestStopSkipsCycles(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()
	env.client.setCandles(crossoverCandles(env.now))

	if err := env.engine.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if env.client.firstCall("GetCandles") != -1 {
		t.Fatal("stopped engine fetched candles")
	}

	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.engine.RunCycle(ctx, env.now); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if env.client.placeCalls != 1 {
		t.Fatalf("placeCalls = %d, want 1", env.client.placeCalls)
	}
}
