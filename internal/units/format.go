// Package units formats relink rates and durations for logs, the read API and
// the control protocol.
package units

import (
	"fmt"
	"math"
	"time"
)

var rateSuffixes = []string{"Rl/s", "kRl/s", "MRl/s", "GRl/s", "TRl/s", "PRl/s"}

// FormatRate renders a relink rate with a metric prefix, e.g. 1530 -> "1.53 kRl/s".
func FormatRate(rate float64) string {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return "-- Rl/s"
	}
	if rate < 0 {
		return "-" + FormatRate(-rate)
	}

	i := 0
	for rate >= 1000 && i < len(rateSuffixes)-1 {
		rate /= 1000
		i++
	}
	switch {
	case i == 0 && rate == math.Trunc(rate):
		return fmt.Sprintf("%.0f %s", rate, rateSuffixes[i])
	case rate >= 100:
		return fmt.Sprintf("%.0f %s", rate, rateSuffixes[i])
	case rate >= 10:
		return fmt.Sprintf("%.1f %s", rate, rateSuffixes[i])
	default:
		return fmt.Sprintf("%.2f %s", rate, rateSuffixes[i])
	}
}

// FormatDuration renders an estimate compactly: "45s", "3m07s", "1h02m", "2d04h".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(math.Ceil(d.Seconds()))

	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	case secs < 86400:
		return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
	default:
		return fmt.Sprintf("%dd%02dh", secs/86400, (secs%86400)/3600)
	}
}

// Seconds converts fractional seconds to a Duration, saturating instead of overflowing.
func Seconds(s float64) time.Duration {
	if math.IsNaN(s) || s <= 0 {
		return 0
	}
	if s >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}
