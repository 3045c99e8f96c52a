package dsl

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// iso8601Re matches the duration subset the DSL uses: years, months,
// weeks, days, hours, minutes, seconds. Months count as 30 days and years
// as 365 days.
var iso8601Re = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISO8601Duration parses durations such as "P5D", "PT1H30M", "P1Y".
func ParseISO8601Duration(s string) (time.Duration, error) {
	if s == "" || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	m := iso8601Re.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	part := func(idx int) int64 {
		if m[idx] == "" {
			return 0
		}
		v, _ := strconv.ParseInt(m[idx], 10, 64)
		return v
	}
	days := part(1)*365 + part(2)*30 + part(3)*7 + part(4)
	seconds := days*86400 + part(5)*3600 + part(6)*60 + part(7)
	if seconds == 0 {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	return time.Duration(seconds) * time.Second, nil
}
