package models

import "time"

type OrderSide string
type OrderType string
type OrderStatus string
type OrderIntent string
type PositionStatus string
type SignalKind string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusAcknowledged    OrderStatus = "ACKNOWLEDGED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"

	OrderIntentEntry OrderIntent = "ENTRY"
	OrderIntentExit  OrderIntent = "EXIT"

	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"

	SignalEnterLong SignalKind = "ENTER_LONG"
	SignalExitLong  SignalKind = "EXIT_LONG"
	SignalHold      SignalKind = "HOLD"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

type Candle struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

type Ticker struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// Order: для рыночной покупки Notional задаёт сумму в валюте котировки, Qty = 0.
type Order struct {
	ID            uint        `gorm:"primaryKey" json:"-"`
	LinkID        string      `gorm:"uniqueIndex;size:64;not null" json:"link_id"`
	ExchangeID    string      `gorm:"index;size:64" json:"exchange_id,omitempty"`
	Symbol        string      `gorm:"index;size:32;not null" json:"symbol"`
	Side          OrderSide   `gorm:"size:8;not null" json:"side"`
	Type          OrderType   `gorm:"size:8;not null" json:"type"`
	Intent        OrderIntent `gorm:"size:8;not null" json:"intent"`
	Price         float64     `json:"price,omitempty"`
	Qty           float64     `json:"qty,omitempty"`
	Notional      float64     `json:"notional,omitempty"`
	FilledQty     float64     `json:"filled_qty"`
	ExecutedFunds float64     `json:"executed_funds"`
	Fee           float64     `json:"fee"`
	Status        OrderStatus `gorm:"index;size:20;not null" json:"status"`
	Reason        string      `gorm:"size:255" json:"reason,omitempty"`
	Attempts      int         `json:"attempts"`
	Applied       bool        `gorm:"index" json:"applied"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (o Order) AvgPrice() float64 {
	if o.FilledQty <= 0 {
		return 0
	}
	return o.ExecutedFunds / o.FilledQty
}

type Position struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	Symbol        string         `gorm:"index;size:32;not null" json:"symbol"`
	Status        PositionStatus `gorm:"index;size:8;not null" json:"status"`
	EntryPrice    float64        `json:"entry_price"`
	Quantity      float64        `json:"quantity"`
	CostBasis     float64        `json:"cost_basis"`
	HighestPrice  float64        `json:"highest_price"`
	EntryTime     time.Time      `json:"entry_time"`
	EntryLinkID   string         `gorm:"size:64" json:"entry_link_id"`
	ExitLinkID    string         `gorm:"size:64" json:"exit_link_id,omitempty"`
	ExitRequested bool           `json:"exit_requested"`
	ExitReason    string         `gorm:"size:64" json:"exit_reason,omitempty"`
	RealizedPnL   float64        `json:"realized_pnl"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (p *Position) Observe(price float64) bool {
	if price > p.HighestPrice {
		p.HighestPrice = price
		return true
	}
	return false
}

type Signal struct {
	Symbol string     `json:"symbol"`
	Kind   SignalKind `json:"kind"`
	Basis  time.Time  `json:"basis"`
	Reason string     `json:"reason,omitempty"`
}
