package upbit

import (
	"context"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/exchange/upbit/rest"
	"trendbot/internal/exchange/upbit/ws"
	"trendbot/internal/logger"
)

type Client struct {
	*rest.Client
	wsURL string
	log   *logger.Logger
}

var _ exchange.Client = (*Client)(nil)

func New(baseURL, wsURL, accessKey, secretKey string, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		Client: rest.New(baseURL, accessKey, secretKey, timeout, log),
		wsURL:  wsURL,
		log:    log,
	}
}

func (c *Client) Subscribe(ctx context.Context, symbols []string) (<-chan exchange.Event, error) {
	stream := ws.New(c.wsURL, c.log)
	if err := stream.Connect(ctx, symbols); err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		stream.Close()
	}()
	return stream.Events(), nil
}
