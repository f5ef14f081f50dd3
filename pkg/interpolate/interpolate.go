// Package interpolate provides {{name}} template substitution for flow inputs
package interpolate

import (
	"regexp"
	"strings"
)

// placeholderPattern matches {{name}} with any non-brace content inside
var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Resolver looks up a variable by name. The boolean reports whether the
// name resolved; unresolved placeholders are kept verbatim in the output.
type Resolver func(name string) (string, bool)

// Replace substitutes every {{name}} in template using the resolver.
// Names are trimmed of surrounding whitespace. Each distinct name is
// resolved at most once, no matter how often it appears; templates with
// no placeholder syntax are returned unchanged without scanning.
func Replace(template string, resolve Resolver) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return template
	}

	// Resolve each distinct name once. Stores routinely hold thousands
	// of variables while a template references a handful.
	resolved := make(map[string]string, len(matches))
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if _, seen := resolved[name]; seen {
			continue
		}
		if value, ok := resolve(name); ok {
			resolved[name] = value
		}
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := resolved[name]; ok {
			return value
		}
		return match
	})
}

// Names returns the distinct placeholder names in template, in first-seen order.
func Names(template string) []string {
	if !strings.Contains(template, "{{") {
		return nil
	}

	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		name := strings.TrimSpace(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
