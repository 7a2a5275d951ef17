package command

import "regexp"

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// RenderTemplate substitutes {name} placeholders from vars. Rendering is
// pure and never fails: an unresolvable placeholder becomes the visible
// marker <name?> instead of an error.
func RenderTemplate(tmpl string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return "<" + name + "?>"
	})
}
