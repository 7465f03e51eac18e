package indicator

import (
	"sort"
	"time"
	"trendbot/internal/models"
)

type NormalizeStats struct {
	Dropped    int
	Backfilled int
}

// Normalize упорядочивает свечи, убирает дубли (побеждает последняя) и
// заполняет пропуски плоскими свечами по предыдущему закрытию.
func Normalize(candles []models.Candle, timeframe time.Duration) ([]models.Candle, NormalizeStats) {
	var stats NormalizeStats
	if len(candles) == 0 {
		return nil, stats
	}

	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	out := make([]models.Candle, 0, len(sorted))
	for _, c := range sorted {
		if timeframe > 0 && !c.Time.Equal(c.Time.Truncate(timeframe)) {
			stats.Dropped++
			continue
		}
		if n := len(out); n > 0 && out[n-1].Time.Equal(c.Time) {
			out[n-1] = c
			stats.Dropped++
			continue
		}
		out = append(out, c)
	}

	if timeframe <= 0 || len(out) < 2 {
		return out, stats
	}

	filled := make([]models.Candle, 0, len(out))
	filled = append(filled, out[0])
	for _, c := range out[1:] {
		prev := filled[len(filled)-1]
		for ts := prev.Time.Add(timeframe); ts.Before(c.Time); ts = ts.Add(timeframe) {
			filled = append(filled, models.Candle{
				Symbol: prev.Symbol,
				Time:   ts,
				Open:   prev.Close,
				High:   prev.Close,
				Low:    prev.Close,
				Close:  prev.Close,
			})
			stats.Backfilled++
		}
		filled = append(filled, c)
	}
	return filled, stats
}
