package marketdata

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV row as reported by the provider
type Bar struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// DailySeries maps YYYY-MM-DD to that session's bar
type DailySeries map[string]Bar

// PricePoint is one point of a charting series
type PricePoint struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// SeriesMeta records where a charting series came from
type SeriesMeta struct {
	Symbol        string `json:"symbol"`
	Timeframe     string `json:"timeframe"`
	Interval      string `json:"interval"`
	Source        string `json:"source"`
	TimeZone      string `json:"time_zone,omitempty"`
	LastRefreshed string `json:"last_refreshed,omitempty"`
	RawCount      int    `json:"raw_count"`
	Returned      int    `json:"returned"`
	Downsampled   bool   `json:"downsampled"`
}

// SeriesResult is an ordered charting series plus provenance
type SeriesResult struct {
	Points []PricePoint `json:"points"`
	Meta   SeriesMeta   `json:"meta"`
}

// Days returns the series dates in ascending order
func (s DailySeries) Days() []string {
	days := make([]string, 0, len(s))
	for d := range s {
		days = append(days, d)
	}
	sort.Strings(days)
	return days
}

// OpenOn returns the opening price of the session on day, if there was one.
func (s DailySeries) OpenOn(day string) (float64, bool) {
	bar, ok := s[day]
	if !ok || bar.Open.IsZero() {
		return 0, false
	}
	return bar.Open.InexactFloat64(), true
}

// PickCloseOnOrBefore returns the most recent close at or before day.
func (s DailySeries) PickCloseOnOrBefore(day string) (string, float64, bool) {
	days := s.Days()
	for i := len(days) - 1; i >= 0; i-- {
		if days[i] <= day {
			c := s[days[i]].Close
			if c.IsZero() {
				return "", 0, false
			}
			return days[i], c.InexactFloat64(), true
		}
	}
	return "", 0, false
}

// Downsample keeps at most max points using uniform index sampling. The
// first and last points always survive.
func Downsample(points []PricePoint, max int) []PricePoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return []PricePoint{points[len(points)-1]}
	}

	out := make([]PricePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(float64(i)*step + 0.5)
		if idx > len(points)-1 {
			idx = len(points) - 1
		}
		out = append(out, points[idx])
	}
	return out
}
