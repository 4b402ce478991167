// Package templates holds pre-parsed text templates for outbound patient and
// coordinator messages.
package templates

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"
)

// Set is a named collection of templates parsed once at construction.
// Missing variables are errors so a message never goes out with "<no value>".
type Set struct {
	tmpls map[string]*template.Template
}

// NewSet parses every template in sources, keyed by name.
func NewSet(sources map[string]string) (*Set, error) {
	s := &Set{tmpls: make(map[string]*template.Template, len(sources))}
	for name, text := range sources {
		if text == "" {
			return nil, fmt.Errorf("templates: %s: template text required", name)
		}
		t, err := template.New(name).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("templates: parse %s: %w", name, err)
		}
		s.tmpls[name] = t
	}
	return s, nil
}

// MustSet is NewSet for package-level template tables.
func MustSet(sources map[string]string) *Set {
	s, err := NewSet(sources)
	if err != nil {
		panic(err)
	}
	return s
}

// Has reports whether name is registered.
func (s *Set) Has(name string) bool {
	_, ok := s.tmpls[name]
	return ok
}

// Names lists registered templates in order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.tmpls))
	for n := range s.tmpls {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render executes name with data.
func (s *Set) Render(name string, data any) (string, error) {
	t, ok := s.tmpls[name]
	if !ok {
		return "", fmt.Errorf("templates: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %s: %w", name, err)
	}
	return buf.String(), nil
}
