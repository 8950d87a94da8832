package client

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// asciiFold strips combining marks after canonical decomposition, so
// "Volánbusz" folds to "Volanbusz".
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SanitizeProviderName turns a display name into a filesystem-friendly
// directory component: the segment before the first comma or " - ",
// ASCII-folded, with every run of non-alphanumeric characters collapsed
// to a single underscore.
func SanitizeProviderName(name string) string {
	name = strings.Split(name, ",")[0]
	name = strings.Split(name, " - ")[0]
	name = strings.TrimSpace(name)

	if folded, _, err := transform.String(asciiFold, name); err == nil {
		name = folded
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
