package ws

import (
	"context"
	"fmt"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func New(url string, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		log:          log,
		events:       make(chan exchange.Event, 256),
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		pingInterval: 60 * time.Second,
	}
}

func (w *Client) Connect(ctx context.Context, codes []string) error {
	w.logEntry().WithField("url", w.url).Info("Подключение к WS.")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}
	conn.SetReadLimit(2 << 20)

	w.mu.Lock()
	w.conn = conn
	w.codes = codes
	w.ctx, w.closeFn = context.WithCancel(ctx)
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		conn.Close()
		return err
	}

	w.logEntry().WithField("codes", codes).Info("WS соединение установлено.")

	go w.readLoop()
	go w.keepalive()

	return nil
}

func (w *Client) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeFn != nil {
		w.closeFn()
	}
	if w.conn != nil {
		_ = w.conn.Close()
	}
}

func (w *Client) Events() <-chan exchange.Event {
	return w.events
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("upbit_ws")
}
