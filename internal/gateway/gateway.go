package gateway

import (
	"context"
	"fmt"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/logger"
	"trendbot/internal/models"
	"trendbot/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Exchange interface {
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	GetOrder(ctx context.Context, ref exchange.OrderRef) (models.Order, error)
	CancelOrder(ctx context.Context, ref exchange.OrderRef) (models.Order, error)
}

type Config struct {
	RatePerSec  float64
	Burst       int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	CallTimeout time.Duration
}

type Gateway struct {
	ex      Exchange
	store   *store.Store
	limiter *rate.Limiter
	cfg     Config
	log     *logger.Logger
	now     func() time.Time
}

func New(ex Exchange, st *store.Store, cfg Config, log *logger.Logger) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * cfg.Backoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Gateway{
		ex:      ex,
		store:   st,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

func (g *Gateway) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

func (g *Gateway) logEntry(order models.Order) *logrus.Entry {
	return g.log.WithComponent("gateway").WithFields(logrus.Fields{
		"symbol":  order.Symbol,
		"link_id": order.LinkID,
	})
}

type OrderRequest struct {
	LinkID   string
	Symbol   string
	Side     models.OrderSide
	Type     models.OrderType
	Intent   models.OrderIntent
	Price    float64
	Qty      float64
	Notional float64
	RefPrice float64
}

func NewLinkID() string {
	return uuid.NewString()
}

// NewOrder проверяет заявку по правилам инструмента, не обращаясь к бирже.
func (g *Gateway) NewOrder(req OrderRequest, rules exchange.InstrumentRules) (models.Order, error) {
	if req.Symbol == "" || (req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell) {
		return models.Order{}, fmt.Errorf("%w: не задана пара или сторона", ErrOrderPolicyViolation)
	}
	if req.LinkID == "" {
		req.LinkID = NewLinkID()
	}

	var notional float64
	switch {
	case req.Type == models.OrderTypeLimit:
		tick := rules.TickSize(req.Price)
		if req.Price <= 0 || !exchange.OnStep(req.Price, tick) {
			return models.Order{}, fmt.Errorf("%w: цена %v не кратна шагу %v", ErrOrderPolicyViolation, req.Price, tick)
		}
		if req.Qty <= 0 || !exchange.OnStep(req.Qty, rules.QtyStep) {
			return models.Order{}, fmt.Errorf("%w: объём %v не кратен шагу %v", ErrOrderPolicyViolation, req.Qty, rules.QtyStep)
		}
		notional = req.Price * req.Qty
	case req.Side == models.OrderSideBuy:
		if req.Notional <= 0 {
			return models.Order{}, fmt.Errorf("%w: сумма рыночной покупки не задана", ErrOrderPolicyViolation)
		}
		notional = req.Notional
	default:
		if req.Qty <= 0 || !exchange.OnStep(req.Qty, rules.QtyStep) {
			return models.Order{}, fmt.Errorf("%w: объём %v не кратен шагу %v", ErrOrderPolicyViolation, req.Qty, rules.QtyStep)
		}
		notional = req.Qty * req.RefPrice
	}

	if rules.MinNotional > 0 && notional < rules.MinNotional {
		return models.Order{}, fmt.Errorf("%w: объём %.2f меньше минимального %.2f", ErrOrderPolicyViolation, notional, rules.MinNotional)
	}

	now := g.now()
	return models.Order{
		LinkID:    req.LinkID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Intent:    req.Intent,
		Price:     req.Price,
		Qty:       req.Qty,
		Notional:  req.Notional,
		Status:    models.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (g *Gateway) Place(ctx context.Context, req OrderRequest, rules exchange.InstrumentRules) (models.Order, error) {
	order, err := g.NewOrder(req, rules)
	if err != nil {
		return order, err
	}
	return g.Submit(ctx, order)
}

func (g *Gateway) save(ctx context.Context, order *models.Order) error {
	return g.store.Tx(ctx, func(tx *store.Tx) error {
		return tx.SaveOrder(order)
	})
}

func (g *Gateway) load(ctx context.Context, linkID string) (models.Order, error) {
	return g.store.View(ctx).OrderByLinkID(linkID)
}

func merge(local, remote models.Order) models.Order {
	if remote.ExchangeID != "" {
		local.ExchangeID = remote.ExchangeID
	}
	local.Status = remote.Status
	local.FilledQty = remote.FilledQty
	local.ExecutedFunds = remote.ExecutedFunds
	local.Fee = remote.Fee
	return local
}

func (g *Gateway) sleep(ctx context.Context, backoff time.Duration, rateLimit bool) error {
	wait := backoff
	if rateLimit {
		wait = backoff * 4
	}
	if wait > g.cfg.MaxBackoff {
		wait = g.cfg.MaxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
