// Package roomid parses and normalizes room identifiers.
//
// A room identifier is the canonical 36-character UUID text
// (8-4-4-4-12 hex digits). Users paste either the bare id or a share link,
// so Normalize extracts the id before Validate checks it.
package roomid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Length of a canonical room identifier.
const Length = 36

var canonical = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Validate reports whether candidate is a canonical room identifier.
func Validate(candidate string) bool {
	return len(candidate) == Length && canonical.MatchString(candidate)
}

// Normalize turns free-form input into a candidate identifier. It never fails;
// the result must still be checked with Validate.
func Normalize(raw string) string {
	id := strings.TrimSpace(raw)
	if looksLikeURL(id) {
		if i := strings.LastIndexByte(id, '/'); i >= 0 {
			id = id[i+1:]
		}
	}
	return strings.Map(func(r rune) rune {
		if isHex(r) || r == '-' {
			return r
		}
		return -1
	}, id)
}

// New returns a fresh random room identifier.
func New() string {
	return uuid.NewString()
}

// Link builds the share link for a room under base.
func Link(base, id string) string {
	return strings.TrimRight(base, "/") + "/chat/" + id
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "http") || strings.Contains(s, "://")
}

func isHex(r rune) bool {
	return ('0' <= r && r <= '9') || ('a' <= r && r <= 'f') || ('A' <= r && r <= 'F')
}
