// Package template renders campaign bodies: a forgiving placeholder
// substitution plus a resolver that picks the template source for a batch.
package template

import "regexp"

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Render substitutes {{ key }} placeholders from ctx. Unknown keys become the
// empty string; anything that is not a well-formed placeholder passes through
// untouched. Render never fails, so a half-filled roster row still yields a
// sendable body.
func Render(tmpl string, ctx map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		return ctx[key]
	})
}
