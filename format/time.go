package format

import (
	"fmt"
	"time"
)

// StepDuration renders a duration at the precision generation steps
// run at: microseconds below a millisecond, otherwise milliseconds,
// otherwise seconds with two decimals.
func StepDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

// TokensPerSecond renders a generation rate.
func TokensPerSecond(tokens int, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f tok/s", float64(tokens)/d.Seconds())
}
