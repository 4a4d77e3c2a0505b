/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeagent

import (
	"encoding/xml"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// binding produces the text for one {{placeholder}}.
type binding func() (string, error)

// literal binds developer supplied text.
func literal(s string) binding {
	return func() (string, error) { return s, nil }
}

// asXML binds untrusted data as escaped XML.
func asXML(v any) binding {
	return func() (string, error) {
		b, err := xml.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal XML: %w", err)
		}
		return string(b), nil
	}
}

// asYAML binds structured data as YAML.
func asYAML(v any) binding {
	return func() (string, error) {
		b, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return string(b), nil
	}
}

// render replaces every {{name}} in template. Each placeholder must be bound
// and each binding used.
func render(template string, bindings map[string]binding) (string, error) {
	var out strings.Builder
	used := make(map[string]bool, len(bindings))

	for len(template) > 0 {
		start := strings.Index(template, "{{")
		if start == -1 {
			out.WriteString(template)
			break
		}
		out.WriteString(template[:start])

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", errors.New("unclosed binding: missing '}}'")
		}
		end += start + 2

		name := strings.TrimSpace(template[start+2 : end-2])
		if !isIdentifier(name) {
			return "", fmt.Errorf("invalid binding identifier %q", name)
		}
		b, ok := bindings[name]
		if !ok {
			return "", fmt.Errorf("unbound placeholder: %s", name)
		}
		val, err := b()
		if err != nil {
			return "", fmt.Errorf("binding %s: %w", name, err)
		}
		out.WriteString(val)
		used[name] = true
		template = template[end:]
	}

	for _, name := range slices.Sorted(maps.Keys(bindings)) {
		if !used[name] {
			return "", fmt.Errorf("binding %q not found in template", name)
		}
	}
	return out.String(), nil
}

func isIdentifier(s string) bool {
	for i, r := range s {
		if i == 0 && !unicode.IsLetter(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return s != ""
}
