package tournament

import (
	"strconv"
	"strings"
)

// ParseCount converts a raw command argument into a non-negative integer.
// An empty argument yields def.
func ParseCount(field, raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidArgument("%s is not a number: %q", field, raw)
	}
	if n < 0 {
		return 0, invalidArgument("%s must not be negative: %d", field, n)
	}
	return n, nil
}
