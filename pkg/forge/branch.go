package forge

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// BranchPrefix namespaces every branch this system creates.
const BranchPrefix = "darwin/"

const maxSlugLength = 30

// BranchName derives darwin/<slug>-<unix-seconds> from a title. The timestamp keeps names
// unique across runs for identical titles.
func BranchName(title string, now time.Time) string {
	return fmt.Sprintf("%s%s-%d", BranchPrefix, Slugify(title), now.Unix())
}

// Slugify lowercases title, drops everything but ASCII letters, digits and spaces, joins words
// with hyphens and truncates to 30 characters.
func Slugify(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ') {
			b.WriteRune(r)
		}
	}
	slug := strings.Join(strings.Fields(b.String()), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		slug = "fix"
	}
	return slug
}
