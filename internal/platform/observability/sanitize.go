package observability

import (
	"strings"
	"unicode"
)

// Upper bounds, in runes, for request values copied into log entries.
const (
	maxRouteRunes  = 180
	maxMethodRunes = 10
	maxIPRunes     = 64
)

// clip drops control characters other than tabs and newlines, then truncates to limit runes so
// request data cannot forge or flood log lines.
func clip(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, value)
	if runes := []rune(cleaned); len(runes) > limit {
		return string(runes[:limit])
	}
	return cleaned
}

// SanitizeRoute returns the route pattern or path safe for logging. Empty becomes "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clip(route, maxRouteRunes)
}

func SanitizeMethod(method string) string {
	return clip(method, maxMethodRunes)
}
