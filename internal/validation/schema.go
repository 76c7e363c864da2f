// Package validation checks tool descriptors before they are advertised.
package validation

import (
	"fmt"

	"github.com/ggoodman/mcp-sse-server-go/mcp"
)

// ToolInputSchema validates and normalizes a tool input schema in-place.
// An empty type becomes "object". Required is de-duplicated preserving
// first-occurrence order.
func ToolInputSchema(s *mcp.ToolInputSchema) error {
	if s == nil {
		return fmt.Errorf("nil schema")
	}
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Type != "object" {
		return fmt.Errorf("tool input schema type must be object, got %q", s.Type)
	}
	seen := map[string]struct{}{}
	var req []string
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("required property missing: %s", name)
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			req = append(req, name)
		}
	}
	s.Required = req
	for name, p := range s.Properties {
		if err := property(name, p); err != nil {
			return err
		}
	}
	return nil
}

func property(path string, p mcp.SchemaProperty) error {
	if len(p.Enum) > 1 {
		uniq := map[any]struct{}{}
		for _, v := range p.Enum {
			switch v.(type) {
			case map[string]any, []any:
				return fmt.Errorf("property %s: enum values must be scalars", path)
			}
			uniq[v] = struct{}{}
		}
		if len(uniq) != len(p.Enum) {
			return fmt.Errorf("duplicate enum values for property %s", path)
		}
	}
	if p.Items != nil {
		if p.Type != "" && p.Type != "array" {
			return fmt.Errorf("property %s: items given for type %q", path, p.Type)
		}
		if err := property(path+"[]", *p.Items); err != nil {
			return err
		}
	}
	for name, child := range p.Properties {
		if err := property(path+"."+name, child); err != nil {
			return err
		}
	}
	return nil
}
