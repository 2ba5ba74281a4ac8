// Package names turns raw in-game names into canonical comparison keys.
//
// Raw names reach the daemon from console lines, player lists, HTTP ingestion
// and zone creation. They may differ by case, spacing, compatibility forms or
// invisible characters while naming the same player, so every subsystem
// compares Keys, never display strings.
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Key is a normalized in-game name.
type Key string

// String implements fmt.Stringer.
func (k Key) String() string { return string(k) }

// Empty reports whether the key carries no visible characters.
func (k Key) Empty() bool { return k == "" }

// Normalize folds a raw name into its Key.
func Normalize(raw string) Key {
	s := norm.NFKC.String(raw)

	var b strings.Builder
	b.Grow(len(s))

	space := false
	for _, r := range s {
		switch {
		case isInvisible(r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		}

		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}

	return Key(cases.Fold().String(b.String()))
}

// Equal reports whether two raw names normalize to the same Key.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// isInvisible matches format characters (zero-width space/joiners, BOM, bidi marks)
// and control characters other than whitespace.
func isInvisible(r rune) bool {
	if unicode.Is(unicode.Cf, r) {
		return true
	}

	return unicode.IsControl(r) && !unicode.IsSpace(r)
}
