// Package sanitize turns API-provided names into safe local file names.
//
// It removes problematic characters:
//   - Invisible Unicode characters (zero-width spaces, etc.)
//   - Path separators and characters reserved on Windows
//   - Control characters and repeated whitespace
package sanitize

import (
	"regexp"
	"strings"
)

var (
	reservedChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespace    = regexp.MustCompile(`\s+`)
	underscores   = regexp.MustCompile(`_+`)
)

// Filename makes s safe to use as a single path element. Empty results
// become "_".
func Filename(s string) string {
	s = removeInvisibleChars(s)
	s = reservedChars.ReplaceAllString(s, "_")
	s = whitespace.ReplaceAllString(s, " ")
	s = underscores.ReplaceAllString(s, "_")

	// Windows rejects names ending in a dot or space
	s = strings.Trim(s, " .")
	if s == "" {
		return "_"
	}
	return s
}

// removeInvisibleChars removes zero-width and other invisible Unicode characters
func removeInvisibleChars(s string) string {
	invisibleChars := []string{
		"\u200B", // Zero-width space
		"\u200C", // Zero-width non-joiner
		"\u200D", // Zero-width joiner
		"\uFEFF", // Zero-width no-break space (BOM)
		"\u00AD", // Soft hyphen
		"\u2060", // Word joiner
		"\u180E", // Mongolian vowel separator
	}

	for _, char := range invisibleChars {
		s = strings.ReplaceAll(s, char, "")
	}

	return s
}
