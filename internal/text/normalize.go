package text

import (
	"regexp"
	"strings"
)

var (
	invisibleReplacer = strings.NewReplacer(
		"\u200b", "", // zero width space
		"\u200c", "",
		"\u200d", "",
		"\u2060", "", // word joiner
		"\u2061", "",
		"\u2062", "",
		"\u2063", "",
		"\u2064", "",
		"\u180e", "",
		"\ufeff", "", // byte order mark
		"\u00ad", "", // soft hyphen
	)

	quoteReplacer = strings.NewReplacer(
		"\u2018", "'",
		"\u2019", "'",
		"\u201a", "'",
		"\u201b", "'",
		"\u2032", "'",
		"\u201c", `"`,
		"\u201d", `"`,
		"\u201e", `"`,
		"\u201f", `"`,
		"\u2033", `"`,
	)

	// Matches "12", "- 12 -", "Page 3", "page 3 of 10" and "3 of 10".
	pageNumberLine = regexp.MustCompile(`(?i)^(?:page\s+\d+(?:\s+of\s+\d+)?|-?\s*\d+\s*-?|\d+\s+of\s+\d+)$`)
)

// Normalize returns the canonical form of extracted text used for chunking.
// It never fails and Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = invisibleReplacer.Replace(s)
	s = quoteReplacer.Replace(s)

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isPageNumber(line) {
			continue
		}
		kept = append(kept, line)
	}

	out := strings.Join(strings.Fields(strings.Join(kept, "\n")), " ")
	if isPageNumber(out) {
		return ""
	}
	return out
}

func isPageNumber(line string) bool {
	line = strings.TrimSpace(line)
	return line != "" && pageNumberLine.MatchString(line)
}
