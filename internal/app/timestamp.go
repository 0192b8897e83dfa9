package app

import (
	"fmt"
	"strings"
	"time"
)

type TimestampMode string

const (
	TimestampRelative TimestampMode = "relative"
	TimestampISO      TimestampMode = "iso"
	TimestampOff      TimestampMode = "off"
)

func ParseTimestampMode(raw string) TimestampMode {
	switch TimestampMode(strings.ToLower(strings.TrimSpace(raw))) {
	case TimestampISO:
		return TimestampISO
	case TimestampOff:
		return TimestampOff
	default:
		return TimestampRelative
	}
}

// formatStamp renders a unix-millisecond timestamp. Zero renders empty.
func formatStamp(ms int64, now time.Time, mode TimestampMode) string {
	if ms <= 0 || mode == TimestampOff {
		return ""
	}
	at := time.UnixMilli(ms)
	if mode == TimestampISO {
		return at.UTC().Format(time.RFC3339)
	}
	delta := now.Sub(at)
	if delta < 30*time.Second {
		return "just now"
	}
	switch {
	case delta < time.Minute:
		return plural(int(delta.Round(time.Second).Seconds()), "second")
	case delta < time.Hour:
		return plural(int(delta.Round(time.Minute).Minutes()), "minute")
	case delta < 24*time.Hour:
		return plural(int(delta.Round(time.Hour).Hours()), "hour")
	default:
		return plural(int(delta.Round(24*time.Hour).Hours()/24), "day")
	}
}

func plural(n int, unit string) string {
	if n <= 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
