package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/models"
)

const volumeStep = 0.00000001

func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	params := url.Values{}
	params.Set("market", order.Symbol)
	params.Set("identifier", order.LinkID)

	switch order.Side {
	case models.OrderSideBuy:
		params.Set("side", "bid")
	case models.OrderSideSell:
		params.Set("side", "ask")
	default:
		return order, fmt.Errorf("Неизвестная сторона заявки: %s", order.Side)
	}

	switch {
	case order.Type == models.OrderTypeLimit:
		params.Set("ord_type", "limit")
		params.Set("price", exchange.FormatWithStep(order.Price, 0))
		params.Set("volume", exchange.FormatWithStep(order.Qty, volumeStep))
	case order.Side == models.OrderSideBuy:
		params.Set("ord_type", "price")
		params.Set("price", exchange.FormatWithStep(order.Notional, 0))
	default:
		params.Set("ord_type", "market")
		params.Set("volume", exchange.FormatWithStep(order.Qty, volumeStep))
	}

	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/orders", params, true, &resp); err != nil {
		return order, err
	}
	return applyOrderResponse(order, resp), nil
}

func (c *Client) GetOrder(ctx context.Context, ref exchange.OrderRef) (models.Order, error) {
	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/order", refParams(ref), true, &resp); err != nil {
		return models.Order{}, err
	}
	return applyOrderResponse(models.Order{LinkID: ref.LinkID}, resp), nil
}

func (c *Client) CancelOrder(ctx context.Context, ref exchange.OrderRef) (models.Order, error) {
	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodDelete, "/v1/order", refParams(ref), true, &resp); err != nil {
		return models.Order{}, err
	}
	return applyOrderResponse(models.Order{LinkID: ref.LinkID}, resp), nil
}

func refParams(ref exchange.OrderRef) url.Values {
	params := url.Values{}
	if ref.ExchangeID != "" {
		params.Set("uuid", ref.ExchangeID)
	} else {
		params.Set("identifier", ref.LinkID)
	}
	return params
}

func applyOrderResponse(order models.Order, resp orderResponse) models.Order {
	order.ExchangeID = resp.UUID
	if resp.Identifier != "" {
		order.LinkID = resp.Identifier
	}
	if order.Symbol == "" {
		order.Symbol = resp.Market
	}
	if order.Side == "" {
		if resp.Side == "bid" {
			order.Side = models.OrderSideBuy
		} else {
			order.Side = models.OrderSideSell
		}
	}
	if order.Type == "" {
		if resp.OrdType == "limit" {
			order.Type = models.OrderTypeLimit
		} else {
			order.Type = models.OrderTypeMarket
		}
	}

	order.FilledQty = float64(resp.ExecutedVolume)
	order.Fee = float64(resp.PaidFee)

	funds := float64(resp.ExecutedFunds)
	if funds == 0 {
		for _, t := range resp.Trades {
			funds += float64(t.Funds)
		}
	}
	order.ExecutedFunds = funds

	switch resp.State {
	case "done":
		order.Status = models.OrderStatusFilled
	case "cancel":
		order.Status = models.OrderStatusCanceled
	default:
		if order.FilledQty > 0 {
			order.Status = models.OrderStatusPartiallyFilled
		} else {
			order.Status = models.OrderStatusAcknowledged
		}
	}

	if created, err := time.Parse(time.RFC3339, resp.CreatedAt); err == nil && order.CreatedAt.IsZero() {
		order.CreatedAt = created
	}
	return order
}
