package ws

import (
	"encoding/json"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/models"
)

func parseTicker(data []byte) (*models.Ticker, bool) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	if msg.Type != "ticker" || msg.Code == "" || msg.TradePrice <= 0 {
		return nil, false
	}

	ts := msg.TradeTimestamp
	if ts == 0 {
		ts = msg.Timestamp
	}
	return &models.Ticker{
		Symbol:    msg.Code,
		LastPrice: msg.TradePrice,
		Timestamp: time.UnixMilli(ts).UTC(),
	}, true
}

func (w *Client) handleMessage(data []byte) {
	ticker, ok := parseTicker(data)
	if !ok {
		w.logEntry().WithField("raw", string(data)).Debug("Пропущено WS сообщение.")
		return
	}

	select {
	case w.events <- exchange.Event{Type: exchange.EventTypeTicker, Ticker: ticker}:
	default:
		w.logEntry().WithField("symbol", ticker.Symbol).Warn("Очередь WS событий переполнена, тикер отброшен.")
	}
}
