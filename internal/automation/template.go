package automation

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`{{\s*([A-Za-z0-9_.-]+)\s*}}`)

// Render replaces {{name}} with the session variable; unset names render
// empty.
func Render(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return vars[name]
	})
}

// numbered appends "1. a\n2. b" style options below the prompt.
func numbered(prompt string, options []string) string {
	var b strings.Builder
	b.WriteString(prompt)
	if prompt != "" {
		b.WriteString("\n\n")
	}
	for i, opt := range options {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, opt)
	}
	return b.String()
}

func callToAction(n *CallToActionNode, vars map[string]string) string {
	var parts []string
	if n.Header != "" {
		parts = append(parts, "*"+Render(n.Header, vars)+"*")
	}
	if n.Text != "" {
		parts = append(parts, Render(n.Text, vars))
	}
	link := n.URL
	if n.ButtonText != "" {
		link = Render(n.ButtonText, vars) + ": " + n.URL
	}
	parts = append(parts, link)
	if n.Footer != "" {
		parts = append(parts, "_"+Render(n.Footer, vars)+"_")
	}
	return strings.Join(parts, "\n\n")
}
