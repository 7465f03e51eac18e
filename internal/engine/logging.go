package engine

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func (e *Engine) logEntry(symbol string) *logrus.Entry {
	return e.log.WithSymbol("engine", symbol)
}

// formatFloatPlain печатает число без экспоненты, не более 8 знаков после запятой.
func formatFloatPlain(val float64) string {
	return decimal.NewFromFloat(val).Round(8).String()
}
