// Package resolve derives canonical comparison keys from company names so
// that the same real-world entity always maps to the same key.
package resolve

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var spaceRunRe = regexp.MustCompile(`\s+`)

// stripMarks decomposes to NFD, drops combining marks, and recomposes.
// "São Paulo Máquinas" and "Sao Paulo Maquinas" normalize identically.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Key standardizes an entity name for duplicate matching by:
//  1. Lower-casing
//  2. Stripping diacritical marks (NFD decomposition, combining marks removed)
//  3. Collapsing internal whitespace runs into single spaces
//  4. Trimming surrounding whitespace
//
// The function is pure and idempotent: Key(Key(x)) == Key(x).
func Key(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToLower(name)

	if stripped, _, err := transform.String(stripMarks, name); err == nil {
		name = stripped
	}

	name = spaceRunRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// SameEntity reports whether two names normalize to the same key.
func SameEntity(a, b string) bool {
	return Key(a) == Key(b)
}
