package report

import "strings"

// Well-known report display names map to fixed filenames so downstream
// tooling can rely on them; anything else gets a slugified name.
var fixedFilenames = map[string]string{
	"Adapted Report":          "adapted.md",
	"Professional Report":     "professional.md",
	"Aggregate Score Profile": "scores.md",
}

// Filename maps a report display name to its output filename.
func Filename(displayName string) string {
	if fixed, ok := fixedFilenames[displayName]; ok {
		return fixed
	}
	return Slugify(displayName) + ".md"
}

// Slugify lowercases a name and collapses every run of non-alphanumeric
// characters into a single dash, trimming dashes at both ends.
func Slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastDash := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}

	return strings.TrimRight(b.String(), "-")
}
