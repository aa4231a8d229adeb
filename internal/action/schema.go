// Package action declares the schema format shared by the structured
// action validator and the generation service request, plus the registry
// that keeps each action's schema and handler co-located so they cannot
// drift apart.
package action

import (
	"fmt"
	"sort"
	"strings"
)

// ParamSpec describes one declared parameter.
type ParamSpec struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
	Items       string `json:"items,omitempty" yaml:"items,omitempty"`
}

// Schema declares an action's name, natural-language description, and
// parameter schema. It is serialized into the generation request verbatim.
type Schema struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description" yaml:"description"`
	Properties  map[string]ParamSpec `json:"properties" yaml:"properties"`
	Required    []string             `json:"required" yaml:"required"`
}

// Validate checks provided arguments against the schema. Missing required
// arguments always reject; unknown arguments reject only when the schema
// declares at least one property. The returned error text is addressed to
// the generation service so it can self-correct on the next round.
func (s Schema) Validate(args map[string]interface{}) error {
	provided := make([]string, 0, len(args))
	for k := range args {
		provided = append(provided, k)
	}
	sort.Strings(provided)

	var missing []string
	for _, req := range s.Required {
		if _, ok := args[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "Argument Error: The action call '%s' is missing required argument(s).\n\n", s.Name)
		fmt.Fprintf(&b, "Missing: %s\n", strings.Join(missing, ", "))
		fmt.Fprintf(&b, "Required: %s\n", strings.Join(s.Required, ", "))
		if len(provided) > 0 {
			fmt.Fprintf(&b, "Provided: %s\n\n", strings.Join(provided, ", "))
		} else {
			b.WriteString("Provided: (none)\n\n")
		}
		for _, name := range missing {
			if spec, ok := s.Properties[name]; ok {
				fmt.Fprintf(&b, "- '%s' (%s): %s\n", name, spec.Type, spec.Description)
			}
		}
		b.WriteString("\nPlease provide all required arguments and try again.")
		return fmt.Errorf("%s", b.String())
	}

	if len(s.Properties) > 0 {
		var unknown []string
		for _, name := range provided {
			if _, ok := s.Properties[name]; !ok {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			valid := make([]string, 0, len(s.Properties))
			for name := range s.Properties {
				valid = append(valid, name)
			}
			sort.Strings(valid)

			var b strings.Builder
			fmt.Fprintf(&b, "Argument Error: The action call '%s' received unknown argument(s).\n\n", s.Name)
			fmt.Fprintf(&b, "Unknown: %s\n", strings.Join(unknown, ", "))
			fmt.Fprintf(&b, "Valid parameters: %s\n", strings.Join(valid, ", "))
			b.WriteString("\nPlease check the action definition and only provide valid arguments.")
			return fmt.Errorf("%s", b.String())
		}
	}

	return nil
}
