package exchange

import "github.com/shopspring/decimal"

func RoundDown(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(value).Div(s).Floor().Mul(s).InexactFloat64()
}

func OnStep(value, step float64) bool {
	if step <= 0 {
		return true
	}
	return decimal.NewFromFloat(value).Mod(decimal.NewFromFloat(step)).IsZero()
}

func FormatWithStep(value, step float64) string {
	if step <= 0 {
		return decimal.NewFromFloat(value).String()
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(value).Div(s).Floor().Mul(s).String()
}
