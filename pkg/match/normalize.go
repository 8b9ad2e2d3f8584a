// Package match selects run output files by doublestar include and exclude
// patterns.
package match

import (
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob to forward-slash form.
//
// Unescaped backslashes become '/', so "plots\*.png" works as typed on
// Windows. Escapes of glob metacharacters (\*, \?, \[ ...) are preserved.
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			result.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
			result.WriteRune('\\')
			result.WriteRune(runes[i+1])
			i++
			continue
		}
		result.WriteRune('/')
	}
	return result.String()
}

// NormalizeName turns an output file name into a relative slash path:
// backslashes become '/', and leading "./" or "/" are dropped.
func NormalizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	for {
		switch {
		case strings.HasPrefix(name, "./"):
			name = name[2:]
		case strings.HasPrefix(name, "/"):
			name = name[1:]
		default:
			return name
		}
	}
}

// IsHidden reports whether any path segment starts with a dot.
func IsHidden(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if seg != "" && seg != "." && seg != ".." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
