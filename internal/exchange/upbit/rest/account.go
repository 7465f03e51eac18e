package rest

import (
	"context"
	"net/http"
	"trendbot/internal/exchange"
)

func (c *Client) GetBalances(ctx context.Context) (map[string]exchange.Balance, error) {
	var resp []accountResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/accounts", nil, true, &resp); err != nil {
		return nil, err
	}

	balances := make(map[string]exchange.Balance, len(resp))
	for _, item := range resp {
		balances[item.Currency] = exchange.Balance{
			Currency:    item.Currency,
			Balance:     float64(item.Balance),
			Locked:      float64(item.Locked),
			AvgBuyPrice: float64(item.AvgBuyPrice),
		}
	}
	return balances, nil
}
