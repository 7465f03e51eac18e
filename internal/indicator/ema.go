package indicator

import "github.com/markcheno/go-talib"

// EMA возвращает ряд той же длины; значения до period-1 равны нулю,
// в точке period-1 стоит SMA первых period значений.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return make([]float64, len(values))
	}
	return talib.Ema(values, period)
}
