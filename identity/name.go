// Package identity handles the local participant's display name: the rules a
// name must satisfy and where it is remembered between runs.
package identity

import (
	"errors"
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameRunes is the longest display name accepted.
const MaxNameRunes = 20

var ErrEmptyName = errors.New("identity: display name is empty")

var namePolicy = bluemonday.StrictPolicy()

// Normalize strips markup and control characters from name, trims it and
// cuts it to MaxNameRunes. It fails only when nothing usable remains.
func Normalize(name string) (string, error) {
	s := namePolicy.Sanitize(html.UnescapeString(name))
	// StrictPolicy re-escapes entities; names are shown as plain text
	s = html.UnescapeString(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > MaxNameRunes {
		s = strings.TrimSpace(string(runes[:MaxNameRunes]))
	}
	if s == "" {
		return "", ErrEmptyName
	}
	return s, nil
}
