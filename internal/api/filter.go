package api

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hyperengineering/possync/internal/remote"
	"github.com/hyperengineering/possync/internal/store"
)

// ErrUnsupportedFilter is returned for filter expressions other than a
// single updated comparison.
var ErrUnsupportedFilter = errors.New("unsupported filter")

// updatedFilter matches (updated > "2006-01-02 15:04:05"), with optional
// parentheses and either quote style.
var updatedFilter = regexp.MustCompile(`^\(?\s*updated\s*>\s*["']([^"']+)["']\s*\)?$`)

// parseFilter returns the lower bound of an updated filter in
// store.BackendTimeLayout, or "" for an empty filter.
//
// Stored timestamps are compared as strings. A bound without fractional
// seconds is kept at second precision, so "10:00:00" sorts before
// "10:00:00.000Z" and records written during that second are included.
func parseFilter(filter string) (string, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return "", nil
	}

	m := updatedFilter.FindStringSubmatch(filter)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFilter, filter)
	}
	t, err := remote.ParseTimestamp(m[1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedFilter, err)
	}
	if t.Nanosecond() == 0 {
		return t.Format(remote.FilterTimeLayout), nil
	}
	return t.Format(store.BackendTimeLayout), nil
}
