package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"trendbot/internal/exchange"
	"trendbot/internal/models"
)

const maxCandles = 200

var candleUnits = map[int]bool{1: true, 3: true, 5: true, 10: true, 15: true, 30: true, 60: true, 240: true}

var krwTicks = []exchange.TickBand{
	{From: 2000000, Tick: 1000},
	{From: 1000000, Tick: 500},
	{From: 500000, Tick: 100},
	{From: 100000, Tick: 50},
	{From: 10000, Tick: 10},
	{From: 1000, Tick: 1},
	{From: 100, Tick: 0.1},
	{From: 10, Tick: 0.01},
	{From: 1, Tick: 0.001},
	{From: 0.1, Tick: 0.0001},
	{From: 0.01, Tick: 0.00001},
	{From: 0.001, Tick: 0.000001},
	{From: 0.0001, Tick: 0.0000001},
	{From: 0, Tick: 0.00000001},
}

func (c *Client) GetCandles(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]models.Candle, error) {
	unit := int(timeframe / time.Minute)
	if !candleUnits[unit] {
		return nil, fmt.Errorf("Неподдерживаемый таймфрейм: %s", timeframe)
	}
	if count <= 0 || count > maxCandles {
		count = maxCandles
	}

	params := url.Values{}
	params.Set("market", symbol)
	params.Set("count", strconv.Itoa(count))

	var resp []candleResponse
	if err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/candles/minutes/%d", unit), params, false, &resp); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(resp))
	for _, item := range resp {
		ts, err := time.ParseInLocation("2006-01-02T15:04:05", item.CandleDateTimeUTC, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("Некорректное время свечи %q: %w", item.CandleDateTimeUTC, err)
		}
		candles = append(candles, models.Candle{
			Symbol: symbol,
			Time:   ts,
			Open:   float64(item.OpeningPrice),
			High:   float64(item.HighPrice),
			Low:    float64(item.LowPrice),
			Close:  float64(item.TradePrice),
			Volume: float64(item.CandleAccTradeVol),
		})
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	params := url.Values{}
	params.Set("market", symbol)

	var resp chanceResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/orders/chance", params, true, &resp); err != nil {
		return exchange.InstrumentRules{}, err
	}

	if resp.Market.ID == "" {
		return exchange.InstrumentRules{}, fmt.Errorf("Торговая пара не найдена: %s", symbol)
	}

	quote, base, ok := strings.Cut(resp.Market.ID, "-")
	if !ok {
		return exchange.InstrumentRules{}, fmt.Errorf("Некорректный код рынка: %s", resp.Market.ID)
	}

	return exchange.InstrumentRules{
		Symbol:      resp.Market.ID,
		BaseCoin:    base,
		QuoteCoin:   quote,
		QtyStep:     0.00000001,
		MinNotional: float64(resp.Market.Bid.MinTotal),
		BidFee:      float64(resp.BidFee),
		AskFee:      float64(resp.AskFee),
		Ticks:       ticksFor(quote),
	}, nil
}

func ticksFor(quote string) []exchange.TickBand {
	switch quote {
	case "KRW":
		return krwTicks
	case "USDT":
		return []exchange.TickBand{{From: 0, Tick: 0.001}}
	default:
		return []exchange.TickBand{{From: 0, Tick: 0.00000001}}
	}
}
