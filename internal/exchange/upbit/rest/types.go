package rest

import (
	"encoding/json"
	"strconv"
	"strings"
)

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	text := strings.Trim(string(data), `"`)
	if text == "" || text == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type errorResponse struct {
	Error struct {
		Name    json.RawMessage `json:"name"`
		Message string          `json:"message"`
	} `json:"error"`
}

type candleResponse struct {
	Market            string    `json:"market"`
	CandleDateTimeUTC string    `json:"candle_date_time_utc"`
	OpeningPrice      flexFloat `json:"opening_price"`
	HighPrice         flexFloat `json:"high_price"`
	LowPrice          flexFloat `json:"low_price"`
	TradePrice        flexFloat `json:"trade_price"`
	CandleAccTradeVol flexFloat `json:"candle_acc_trade_volume"`
	Timestamp         int64     `json:"timestamp"`
}

type chanceResponse struct {
	BidFee flexFloat `json:"bid_fee"`
	AskFee flexFloat `json:"ask_fee"`
	Market struct {
		ID  string `json:"id"`
		Bid struct {
			Currency string    `json:"currency"`
			MinTotal flexFloat `json:"min_total"`
		} `json:"bid"`
		Ask struct {
			Currency string    `json:"currency"`
			MinTotal flexFloat `json:"min_total"`
		} `json:"ask"`
		State string `json:"state"`
	} `json:"market"`
}

type orderResponse struct {
	UUID            string    `json:"uuid"`
	Side            string    `json:"side"`
	OrdType         string    `json:"ord_type"`
	Price           flexFloat `json:"price"`
	State           string    `json:"state"`
	Market          string    `json:"market"`
	CreatedAt       string    `json:"created_at"`
	Volume          flexFloat `json:"volume"`
	RemainingVolume flexFloat `json:"remaining_volume"`
	PaidFee         flexFloat `json:"paid_fee"`
	ExecutedVolume  flexFloat `json:"executed_volume"`
	ExecutedFunds   flexFloat `json:"executed_funds"`
	Identifier      string    `json:"identifier"`
	Trades          []struct {
		Price  flexFloat `json:"price"`
		Volume flexFloat `json:"volume"`
		Funds  flexFloat `json:"funds"`
	} `json:"trades"`
}

type accountResponse struct {
	Currency     string    `json:"currency"`
	Balance      flexFloat `json:"balance"`
	Locked       flexFloat `json:"locked"`
	AvgBuyPrice  flexFloat `json:"avg_buy_price"`
	UnitCurrency string    `json:"unit_currency"`
}
