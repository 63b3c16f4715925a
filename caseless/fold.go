// Package caseless provides maps and sets keyed by case-insensitive strings.
//
// Document ids and collection names are case-insensitive on the server, but
// clients must hand back the key as it was first given. The containers here
// look keys up by their case-folded form and remember the original spelling.
package caseless

import (
	"sync"

	"golang.org/x/text/cases"
)

// casers are stateful and not safe to share between goroutines.
var casers = sync.Pool{
	New: func() any {
		c := cases.Fold()
		return &c
	},
}

// Fold returns the case-folded form of s used for lookups.
func Fold(s string) string {
	if isFoldedASCII(s) {
		return s
	}
	c := casers.Get().(*cases.Caser)
	defer casers.Put(c)
	return c.String(s)
}

// Equal reports whether a and b are equal under case folding.
func Equal(a, b string) bool {
	if a == b {
		return true
	}
	return Fold(a) == Fold(b)
}

func isFoldedASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x80 || ('A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}
