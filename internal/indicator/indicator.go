package indicator

import (
	"errors"
	"fmt"
	"time"
	"trendbot/internal/models"
)

var ErrInsufficientHistory = errors.New("Недостаточно истории свечей.")

type Params struct {
	EMAFast   int
	EMASlow   int
	RSIPeriod int
}

func (p Params) MinHistory() int {
	n := p.EMASlow
	if p.RSIPeriod > n {
		n = p.RSIPeriod
	}
	return n + 1
}

type Snapshot struct {
	Symbol      string    `json:"symbol"`
	Basis       time.Time `json:"basis"`
	Close       float64   `json:"close"`
	High        float64   `json:"high"`
	EMAFast     float64   `json:"ema_fast"`
	EMASlow     float64   `json:"ema_slow"`
	PrevEMAFast float64   `json:"prev_ema_fast"`
	PrevEMASlow float64   `json:"prev_ema_slow"`
	RSI         float64   `json:"rsi"`
	Candles     int       `json:"candles"`
	Dropped     int       `json:"dropped"`
	Backfilled  int       `json:"backfilled"`
}

func Compute(symbol string, candles []models.Candle, p Params, timeframe time.Duration) (Snapshot, error) {
	series, stats := Normalize(candles, timeframe)

	need := p.MinHistory()
	if len(series) < need {
		return Snapshot{}, fmt.Errorf("%w: %s: есть %d, нужно %d", ErrInsufficientHistory, symbol, len(series), need)
	}

	closes := make([]float64, len(series))
	for i, c := range series {
		closes[i] = c.Close
	}

	fast := EMA(closes, p.EMAFast)
	slow := EMA(closes, p.EMASlow)
	n := len(closes)
	last := series[n-1]

	return Snapshot{
		Symbol:      symbol,
		Basis:       last.Time,
		Close:       last.Close,
		High:        last.High,
		EMAFast:     fast[n-1],
		EMASlow:     slow[n-1],
		PrevEMAFast: fast[n-2],
		PrevEMASlow: slow[n-2],
		RSI:         RSI(closes, p.RSIPeriod),
		Candles:     n,
		Dropped:     stats.Dropped,
		Backfilled:  stats.Backfilled,
	}, nil
}
