package periodic

import (
	"fmt"
	"strings"
	"time"
)

// Normalize turns a schedule string into something the cron parser accepts.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 6 * * *", "@hourly", "@every 1m"
//   - bare Go duration: "10m" (becomes "@every 10m")
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '10m')", raw)
	}
	if d <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return "@every " + d.String(), nil
}

func everyOf(spec string) (time.Duration, bool) {
	if !strings.HasPrefix(spec, "@every") {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
