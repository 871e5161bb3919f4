package market

import (
	"fmt"
	"time"

	"topstepx-engine/internal/broker"
)

// ParseTimeframe maps a UI timeframe string onto the gateway's bar-unit
// enum and the equivalent duration.
func ParseTimeframe(s string) (broker.BarUnit, int, time.Duration, error) {
	switch s {
	case "", "1m":
		return broker.UnitMinute, 1, time.Minute, nil
	case "5m":
		return broker.UnitMinute, 5, 5 * time.Minute, nil
	case "15m":
		return broker.UnitMinute, 15, 15 * time.Minute, nil
	case "30m":
		return broker.UnitMinute, 30, 30 * time.Minute, nil
	case "1h":
		return broker.UnitHour, 1, time.Hour, nil
	case "4h":
		return broker.UnitHour, 4, 4 * time.Hour, nil
	case "1d":
		return broker.UnitDay, 1, 24 * time.Hour, nil
	}
	return 0, 0, 0, fmt.Errorf("unsupported timeframe %q", s)
}
