package integration

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// canonical normalizes "1.2" or "v1.2.0" to the "v1.2.0" form.
func canonical(version string) (string, error) {
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid version %q", version)
	}
	return semver.Canonical(v), nil
}

var operators = []string{">=", "<=", ">", "<", "="}

// Satisfies reports whether version meets constraint. A constraint is one
// or more space separated comparisons using =, >=, <=, > or <; a bare
// version means =. An empty constraint or "*" matches any version.
func Satisfies(version, constraint string) (bool, error) {
	v, err := canonical(version)
	if err != nil {
		return false, err
	}
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" {
		return true, nil
	}

	for _, clause := range strings.Fields(constraint) {
		op := "="
		for _, candidate := range operators {
			if strings.HasPrefix(clause, candidate) {
				op = candidate
				clause = clause[len(candidate):]
				break
			}
		}
		want, err := canonical(clause)
		if err != nil {
			return false, fmt.Errorf("constraint %q: %w", constraint, err)
		}

		cmp := semver.Compare(v, want)
		var ok bool
		switch op {
		case "=":
			ok = cmp == 0
		case ">=":
			ok = cmp >= 0
		case "<=":
			ok = cmp <= 0
		case ">":
			ok = cmp > 0
		case "<":
			ok = cmp < 0
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
