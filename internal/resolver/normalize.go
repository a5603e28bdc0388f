package resolver

import (
	"strings"
	"unicode"

	"bunkcore/pkg/domain"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize folds case and diacritics, drops punctuation and collapses
// whitespace, so "  Zoë O'Brien " and "zoe obrien" compare equal.
func Normalize(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	folded := folder.String(stripped)
	var b strings.Builder
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case r == '\'' || r == '’' || r == '.':
			// O'Brien -> obrien, St. -> st
		default:
			space = true
		}
	}
	return b.String()
}

// UnresolvedID derives the deterministic negative sentinel for a name that
// matched nobody. Equal normalized names always yield the same id.
func UnresolvedID(name string) domain.PersonID {
	h := xxhash.Sum64String(Normalize(name))
	return -domain.PersonID(h&(1<<62-1)) - 1
}

func tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}
