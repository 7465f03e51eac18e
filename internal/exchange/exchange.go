package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"
	"trendbot/internal/models"
)

type EventType string

const (
	EventTypeTicker    EventType = "Ticker"
	EventTypeReconnect EventType = "Reconnect"
)

type Event struct {
	Type   EventType
	Ticker *models.Ticker
}

type TickBand struct {
	From float64
	Tick float64
}

type InstrumentRules struct {
	Symbol      string
	BaseCoin    string
	QuoteCoin   string
	QtyStep     float64
	MinNotional float64
	BidFee      float64
	AskFee      float64
	Ticks       []TickBand
}

func (r InstrumentRules) TickSize(price float64) float64 {
	for _, b := range r.Ticks {
		if price >= b.From {
			return b.Tick
		}
	}
	if len(r.Ticks) > 0 {
		return r.Ticks[len(r.Ticks)-1].Tick
	}
	return 0
}

type OrderRef struct {
	ExchangeID string
	LinkID     string
}

type Balance struct {
	Currency    string
	Balance     float64
	Locked      float64
	AvgBuyPrice float64
}

func (b Balance) Total() float64 {
	return b.Balance + b.Locked
}

type Client interface {
	GetInstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
	GetCandles(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]models.Candle, error)
	Subscribe(ctx context.Context, symbols []string) (<-chan Event, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	GetOrder(ctx context.Context, ref OrderRef) (models.Order, error)
	CancelOrder(ctx context.Context, ref OrderRef) (models.Order, error)
	GetBalances(ctx context.Context) (map[string]Balance, error)
}

var ErrSigning = errors.New("Не удалось подписать запрос.")

type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s: %s", e.StatusCode, e.Name, e.Message)
}

func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func IsNotFound(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && (apiErr.StatusCode == 404 || apiErr.Name == "order_not_found")
}

func IsRateLimit(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.StatusCode == 429
}
