package query

import (
	"strings"

	"golang.org/x/text/cases"
)

// Collations are the RFC 4790 collation names spec §4.5 supports.
const (
	CollationASCIICasemap   = "i;ascii-casemap"
	CollationUnicodeCasemap = "i;unicode-casemap"
)

// SupportedCollations backs the supported-collation-set live property.
var SupportedCollations = []string{CollationASCIICasemap, CollationUnicodeCasemap}

// matchText implements a CALDAV/CARDDAV text-match test: collation folds
// both sides, match-type picks the comparison, and negate-condition
// inverts the result.
func matchText(value string, tm *TextMatch) bool {
	folded := fold(value, tm.Collation)
	pattern := fold(tm.Value, tm.Collation)

	var matched bool
	switch tm.MatchType {
	case "equals":
		matched = folded == pattern
	case "starts-with":
		matched = strings.HasPrefix(folded, pattern)
	case "ends-with":
		matched = strings.HasSuffix(folded, pattern)
	default: // "contains" is the RFC default and the fallback for unknown types
		matched = strings.Contains(folded, pattern)
	}
	if tm.Negate {
		return !matched
	}
	return matched
}

var unicodeFolder = cases.Fold()

// fold applies one of the two collations spec §4.5 names. i;ascii-casemap
// is hand-rolled: strings.EqualFold/strings.ToLower are Unicode-aware and
// would fold "ß" to "ss" under full case folding, which RFC 4790's
// ascii-casemap explicitly does not do — it folds only ASCII A-Z/a-z and
// leaves every other byte untouched. i;unicode-casemap gets the full
// Unicode case-fold via golang.org/x/text/cases, which is what that
// collation actually specifies.
func fold(s, collation string) string {
	if strings.EqualFold(collation, "i;unicode-casemap") {
		return unicodeFolder.String(s)
	}
	return foldASCII(s)
}

func foldASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
