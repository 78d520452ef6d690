package util

import "strings"

// RenderTemplate replaces {var} placeholders. Unknown placeholders are left as is.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
