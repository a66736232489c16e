package memcache

import (
	"strconv"
	"strings"
)

// Stats is the parsed reply of the stats command. Integer counters are
// int64, rusage_user and rusage_system are float64 seconds, everything
// else is kept as a string.
type Stats map[string]any

// Int returns an integer stat, or false when it is missing or not numeric.
func (s Stats) Int(name string) (int64, bool) {
	v, ok := s[name].(int64)
	return v, ok
}

// Float returns a float stat. Integer stats are widened.
func (s Stats) Float(name string) (float64, bool) {
	switch v := s[name].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// String returns the stat formatted as text.
func (s Stats) String(name string) string {
	switch v := s[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', 6, 64)
	default:
		return ""
	}
}

func parseStatValue(name, value string) any {
	if name == "rusage_user" || name == "rusage_system" {
		sec, usec, found := strings.Cut(value, ":")
		if !found {
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				return f
			}
			return value
		}
		s, err1 := strconv.ParseFloat(sec, 64)
		u, err2 := strconv.ParseFloat(usec, 64)
		if err1 != nil || err2 != nil {
			return value
		}
		return s + u/1e6
	}
	if isDigits(value) {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return value
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
