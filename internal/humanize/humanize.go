// Package humanize formats measurements for logs and API responses.
package humanize

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Speed renders a throughput given in bits per second as bytes per second
// with an SI prefix, e.g. "12.5 MB/s".
func Speed(bitsPerSecond float64) string {
	if bitsPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.SIWithDigits(bitsPerSecond/8, 1, "B/s")
}

// Interval renders d as "h:mm:ss" below one day and as "N days hh:mm"
// (or "Nd hh:mm" when short) from one day up.
func Interval(d time.Duration, short bool) string {
	if d < 0 {
		d = -d
	}
	sec := int64(d / time.Second)
	minutes := sec / 60
	sec %= 60
	hours := minutes / 60
	minutes %= 60
	if hours < 24 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, sec)
	}

	days := hours / 24
	hours %= 24
	unit := "d"
	if !short {
		unit = " day"
		if days > 1 {
			unit += "s"
		}
	}
	return fmt.Sprintf("%d%s %02d:%02d", days, unit, hours, minutes)
}
