package storageapi

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonWebSafe = regexp.MustCompile(`[^a-z0-9_]+`)

// Webalize folds diacritics, lowercases and collapses everything outside
// [a-z0-9_] into single dashes. "Účetní Data" becomes "ucetni-data".
func Webalize(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	out := nonWebSafe.ReplaceAllString(strings.ToLower(folded), "-")
	return strings.Trim(out, "-")
}
