package ws

import (
	"context"
	"sync"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/logger"

	"github.com/gorilla/websocket"
)

type Client struct {
	url    string
	log    *logger.Logger
	events chan exchange.Event

	mu      sync.Mutex
	conn    *websocket.Conn
	codes   []string
	ctx     context.Context
	closeFn context.CancelFunc

	reconnectMin time.Duration
	reconnectMax time.Duration
	pingInterval time.Duration
}

type tickerMessage struct {
	Type           string  `json:"type"`
	Code           string  `json:"code"`
	TradePrice     float64 `json:"trade_price"`
	HighPrice      float64 `json:"high_price"`
	TradeTimestamp int64   `json:"trade_timestamp"`
	Timestamp      int64   `json:"timestamp"`
	StreamType     string  `json:"stream_type"`
}
