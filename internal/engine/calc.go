package engine

import (
	"math"
	"trendbot/internal/exchange"
	"trendbot/internal/models"
)

// CalcEntryCost включает комиссию: она списывается в валюте котировки.
func CalcEntryCost(order models.Order) float64 {
	return order.ExecutedFunds + order.Fee
}

type ExitResult struct {
	Qty   float64
	Freed float64
	PnL   float64
}

// CalcExit относит к проданному объёму пропорциональную часть стоимости позиции.
func CalcExit(quantity, costBasis float64, order models.Order) ExitResult {
	qty := math.Min(order.FilledQty, quantity)
	if qty <= 0 || quantity <= 0 {
		return ExitResult{}
	}
	freed := costBasis * qty / quantity
	proceeds := order.ExecutedFunds - order.Fee
	if order.FilledQty > qty {
		proceeds = proceeds * qty / order.FilledQty
	}
	return ExitResult{Qty: qty, Freed: freed, PnL: proceeds - freed}
}

func quoteStep(rules exchange.InstrumentRules) float64 {
	if rules.QuoteCoin == "KRW" {
		return 1
	}
	return 0.00000001
}

// CalcEntryOrder переводит зарезервированную сумму в параметры заявки на покупку.
func CalcEntryOrder(amount, price float64, orderType models.OrderType, rules exchange.InstrumentRules) (notional, limitPrice, qty float64) {
	budget := amount / (1 + rules.BidFee)
	if orderType == models.OrderTypeMarket {
		return exchange.RoundDown(budget, quoteStep(rules)), 0, 0
	}
	limitPrice = exchange.RoundDown(price, rules.TickSize(price))
	if limitPrice <= 0 {
		return 0, 0, 0
	}
	return 0, limitPrice, exchange.RoundDown(budget/limitPrice, rules.QtyStep)
}

func isDust(qty, price float64, rules exchange.InstrumentRules) bool {
	return qty <= 0 || (rules.MinNotional > 0 && qty*price < rules.MinNotional)
}
