package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/logger"
	"trendbot/internal/models"
	"trendbot/internal/store"
)

var errTimeout = errors.New("read tcp: i/o timeout")

type fakeExchange struct {
	mu           sync.Mutex
	orders       map[string]models.Order
	placeErrs    []error
	lostResponse int
	getErr       error
	seq          int
	placeCalls   int
	getCalls     int
	cancelCalls  int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{orders: make(map[string]models.Order)}
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return models.Order{}, err
		}
	}
	if _, ok := f.orders[order.LinkID]; ok {
		return models.Order{}, &exchange.APIError{StatusCode: 400, Name: "duplicate_identifier"}
	}
	f.seq++
	order.ExchangeID = fmt.Sprintf("ex-%d", f.seq)
	order.Status = models.OrderStatusAcknowledged
	f.orders[order.LinkID] = order
	if f.lostResponse > 0 {
		f.lostResponse--
		return models.Order{}, errTimeout
	}
	return order, nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, ref exchange.OrderRef) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return models.Order{}, f.getErr
	}
	o, ok := f.orders[ref.LinkID]
	if !ok {
		return models.Order{}, &exchange.APIError{StatusCode: 404, Name: "order_not_found"}
	}
	return o, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, ref exchange.OrderRef) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	o, ok := f.orders[ref.LinkID]
	if !ok {
		return models.Order{}, &exchange.APIError{StatusCode: 404, Name: "order_not_found"}
	}
	o.Status = models.OrderStatusCanceled
	f.orders[ref.LinkID] = o
	return o, nil
}

func newTestGateway(t *testing.T, ex *fakeExchange) (*Gateway, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", logger.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	g := New(ex, st, Config{
		RatePerSec:  1000,
		Burst:       100,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		CallTimeout: time.Second,
	}, logger.Nop())
	return g, st
}

var testRules = exchange.InstrumentRules{
	Symbol:      "KRW-BTC",
	QtyStep:     0.00000001,
	MinNotional: 5000,
	Ticks: []exchange.TickBand{
		{From: 1000000, Tick: 1000},
		{From: 0, Tick: 1},
	},
}

func marketBuy(t *testing.T, g *Gateway) models.Order {
	t.Helper()
	order, err := g.NewOrder(OrderRequest{
		Symbol:   "KRW-BTC",
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeMarket,
		Intent:   models.OrderIntentEntry,
		Notional: 10000,
	}, testRules)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	return order
}

func storedStatus(t *testing.T, st *store.Store, linkID string) models.Order {
	t.Helper()
	o, err := st.View(context.Background()).OrderByLinkID(linkID)
	if err != nil {
		t.Fatalf("OrderByLinkID: %v", err)
	}
	return o
}

func TestSubmitLostResponseFindsOrderByIdentifier(t *testing.T) {
	ex := newFakeExchange()
	ex.lostResponse = 1
	g, st := newTestGateway(t, ex)
	order := marketBuy(t, g)

	got, err := g.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Status != models.OrderStatusAcknowledged || got.ExchangeID != "ex-1" {
		t.Fatalf("unexpected order: %+v", got)
	}

	again, err := g.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if again.ExchangeID != "ex-1" {
		t.Fatalf("second Submit returned %+v", again)
	}
	if ex.placeCalls != 1 || len(ex.orders) != 1 {
		t.Fatalf("placeCalls=%d orders=%d, want 1 and 1", ex.placeCalls, len(ex.orders))
	}
	if s := storedStatus(t, st, order.LinkID); s.Status != models.OrderStatusAcknowledged {
		t.Fatalf("stored status %s", s.Status)
	}
}

func TestSubmitRetriesWhenLookupFindsNothing(t *testing.T) {
	ex := newFakeExchange()
	ex.placeErrs = []error{errTimeout}
	g, _ := newTestGateway(t, ex)

	got, err := g.Submit(context.Background(), marketBuy(t, g))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
	if ex.placeCalls != 2 || ex.getCalls != 1 || len(ex.orders) != 1 {
		t.Fatalf("placeCalls=%d getCalls=%d orders=%d", ex.placeCalls, ex.getCalls, len(ex.orders))
	}
}

func TestSubmitErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		errs       []error
		wantErr    error
		wantStatus models.OrderStatus
		wantCalls  int
	}{
		{
			name:       "rate limit retried",
			errs:       []error{&exchange.APIError{StatusCode: 429, Name: "too_many_requests"}, &exchange.APIError{StatusCode: 429}},
			wantStatus: models.OrderStatusAcknowledged,
			wantCalls:  3,
		},
		{
			name:       "rate limit exhausted",
			errs:       []error{&exchange.APIError{StatusCode: 429}, &exchange.APIError{StatusCode: 429}, &exchange.APIError{StatusCode: 429}},
			wantErr:    ErrExchangeTransient,
			wantStatus: models.OrderStatusRejected,
			wantCalls:  3,
		},
		{
			name:       "rejected not retried",
			errs:       []error{&exchange.APIError{StatusCode: 400, Name: "insufficient_funds_bid"}},
			wantErr:    ErrExchangeRejected,
			wantStatus: models.OrderStatusRejected,
			wantCalls:  1,
		},
		{
			name:       "signing failure",
			errs:       []error{fmt.Errorf("token: %w", exchange.ErrSigning)},
			wantErr:    ErrConfigurationFatal,
			wantStatus: models.OrderStatusRejected,
			wantCalls:  1,
		},
		{
			name:       "unauthorized",
			errs:       []error{&exchange.APIError{StatusCode: 401, Name: "invalid_access_key"}},
			wantErr:    ErrConfigurationFatal,
			wantStatus: models.OrderStatusRejected,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange()
			ex.placeErrs = tt.errs
			g, st := newTestGateway(t, ex)
			order := marketBuy(t, g)

			_, err := g.Submit(context.Background(), order)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if ex.placeCalls != tt.wantCalls {
				t.Fatalf("placeCalls = %d, want %d", ex.placeCalls, tt.wantCalls)
			}
			if s := storedStatus(t, st, order.LinkID); s.Status != tt.wantStatus {
				t.Fatalf("stored status = %s, want %s", s.Status, tt.wantStatus)
			}
		})
	}
}

func TestSubmitUnknownAfterAmbiguousFailures(t *testing.T) {
	ex := newFakeExchange()
	ex.placeErrs = []error{errTimeout, errTimeout, errTimeout}
	ex.getErr = &exchange.APIError{StatusCode: 503, Name: "server_error"}
	g, st := newTestGateway(t, ex)
	order := marketBuy(t, g)

	_, err := g.Submit(context.Background(), order)
	if !errors.Is(err, ErrReconciliationRequired) {
		t.Fatalf("err = %v, want ErrReconciliationRequired", err)
	}
	if s := storedStatus(t, st, order.LinkID); s.Status != models.OrderStatusUnknown {
		t.Fatalf("stored status = %s, want UNKNOWN", s.Status)
	}

	ex.getErr = nil
	got, err := g.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("Submit after recovery: %v", err)
	}
	if got.Status != models.OrderStatusAcknowledged || len(ex.orders) != 1 {
		t.Fatalf("got %+v, orders=%d", got, len(ex.orders))
	}
}

func TestSubmitTimeoutsKeepOrderUnknownUntilResolved(t *testing.T) {
	ex := newFakeExchange()
	ex.placeErrs = []error{errTimeout, errTimeout, errTimeout}
	g, st := newTestGateway(t, ex)
	order := marketBuy(t, g)

	_, err := g.Submit(context.Background(), order)
	if !errors.Is(err, ErrReconciliationRequired) {
		t.Fatalf("err = %v, want ErrReconciliationRequired", err)
	}
	if ex.placeCalls != 3 || ex.getCalls != 3 {
		t.Fatalf("placeCalls=%d getCalls=%d, want 3 and 3", ex.placeCalls, ex.getCalls)
	}
	if s := storedStatus(t, st, order.LinkID); s.Status != models.OrderStatusUnknown {
		t.Fatalf("stored status = %s, want UNKNOWN", s.Status)
	}

	// последний запрос дошёл до биржи уже после поиска
	ex.orders[order.LinkID] = models.Order{LinkID: order.LinkID, ExchangeID: "ex-late", Status: models.OrderStatusFilled, FilledQty: 0.0001, ExecutedFunds: 9995}
	got, err := g.Resolve(context.Background(), order.LinkID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.OrderStatusFilled || got.ExchangeID != "ex-late" || ex.getCalls != 4 {
		t.Fatalf("got %+v, getCalls=%d", got, ex.getCalls)
	}
}

func TestSubmitUnknownOrderExistingOnExchange(t *testing.T) {
	ex := newFakeExchange()
	g, st := newTestGateway(t, ex)
	order := marketBuy(t, g)
	order.Status = models.OrderStatusUnknown
	order.Attempts = 1
	if err := st.Tx(context.Background(), func(tx *store.Tx) error { return tx.SaveOrder(&order) }); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	ex.orders[order.LinkID] = models.Order{LinkID: order.LinkID, ExchangeID: "ex-9", Status: models.OrderStatusFilled, FilledQty: 0.0001, ExecutedFunds: 9995}

	got, err := g.Submit(context.Background(), order)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ex.placeCalls != 0 {
		t.Fatalf("placeCalls = %d, want 0", ex.placeCalls)
	}
	if got.Status != models.OrderStatusFilled || got.Intent != models.OrderIntentEntry || got.ExecutedFunds != 9995 {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestNewOrderPolicy(t *testing.T) {
	g, _ := newTestGateway(t, newFakeExchange())
	tests := []struct {
		name    string
		req     OrderRequest
		wantErr bool
	}{
		{"market buy", OrderRequest{Symbol: "KRW-BTC", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Notional: 5000}, false},
		{"market buy below minimum", OrderRequest{Symbol: "KRW-BTC", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Notional: 4999}, true},
		{"market sell", OrderRequest{Symbol: "KRW-BTC", Side: models.OrderSideSell, Type: models.OrderTypeMarket, Qty: 0.001, RefPrice: 90000000}, false},
		{"market sell dust", OrderRequest{Symbol: "KRW-BTC", Side: models.OrderSideSell, Type: models.OrderTypeMarket, Qty: 0.00001, RefPrice: 90000000}, true},
		{"limit on tick", OrderRequest{Symbol: "KRW-BTC", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: 90001000, Qty: 0.001}, false},
		{"limit off tick", OrderRequest{Symbol: "KRW-BTC", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Price: 90000500, Qty: 0.001}, true},
		{"qty off step", OrderRequest{Symbol: "KRW-BTC", Side: models.OrderSideSell, Type: models.OrderTypeMarket, Qty: 0.0010000001, RefPrice: 90000000}, true},
		{"missing side", OrderRequest{Symbol: "KRW-BTC", Type: models.OrderTypeMarket, Notional: 10000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := g.NewOrder(tt.req, testRules)
			if tt.wantErr {
				if !errors.Is(err, ErrOrderPolicyViolation) {
					t.Fatalf("err = %v, want ErrOrderPolicyViolation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewOrder: %v", err)
			}
			if order.LinkID == "" || order.Status != models.OrderStatusPending {
				t.Fatalf("unexpected order: %+v", order)
			}
		})
	}
}

func TestResolveMarksAbsentOrderRejected(t *testing.T) {
	ex := newFakeExchange()
	g, st := newTestGateway(t, ex)
	order := marketBuy(t, g)
	order.Attempts = 1
	if err := st.Tx(context.Background(), func(tx *store.Tx) error { return tx.SaveOrder(&order) }); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	got, err := g.Resolve(context.Background(), order.LinkID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.OrderStatusRejected || got.Reason != "absent" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestCancel(t *testing.T) {
	ex := newFakeExchange()
	g, _ := newTestGateway(t, ex)
	placed, err := g.Submit(context.Background(), marketBuy(t, g))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := g.Cancel(context.Background(), placed.LinkID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != models.OrderStatusCanceled || ex.cancelCalls != 1 {
		t.Fatalf("status=%s cancelCalls=%d", got.Status, ex.cancelCalls)
	}

	if _, err := g.Cancel(context.Background(), placed.LinkID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if ex.cancelCalls != 1 {
		t.Fatalf("terminal order cancelled again")
	}
}
