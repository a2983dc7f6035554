package event

import (
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.:*-]+$`)

// ValidName reports whether s is a usable topic or event type name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// IsPattern reports whether s is the wildcard or a prefix pattern
// ("task:*", "sync.*").
func IsPattern(s string) bool {
	return s == Wildcard || strings.HasSuffix(s, ".*") || strings.HasSuffix(s, ":*")
}

// Match reports whether name is selected by pattern. Patterns are an exact
// name, the wildcard, or a prefix ending in ".*" or ":*".
func Match(pattern, name string) bool {
	switch {
	case pattern == Wildcard:
		return true
	case strings.HasSuffix(pattern, ".*"), strings.HasSuffix(pattern, ":*"):
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(name, prefix) && len(name) > len(prefix)
	default:
		return pattern == name
	}
}
