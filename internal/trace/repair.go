package trace

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// EnsureStringList coerces a decoded JSON value into a string slice.
// Generation services sometimes return the array stringified, so a
// string value goes through a ladder of repair strategies before the
// field is rejected. The returned error message is fed back to the
// service as corrective feedback.
func EnsureStringList(value interface{}, fieldName string) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must contain only strings, got %T", fieldName, item)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return v, nil
	case string:
		if parsed := parseStringifiedList(v); parsed != nil {
			return parsed, nil
		}
		msg := fmt.Sprintf("%s is not valid JSON and could not be recovered", fieldName)
		if strings.Contains(v, `"`) && !strings.Contains(v, `\"`) {
			msg += ". Hint: The string contains unescaped quotes. Make sure to return a proper JSON array, not a stringified one."
		}
		return nil, fmt.Errorf("%s", msg)
	default:
		return nil, fmt.Errorf("%s must be list, got %T", fieldName, value)
	}
}

var smartQuoteReplacer = strings.NewReplacer(
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
)

var quotedStringPattern = regexp.MustCompile(`"([^"]*(?:\\.[^"]*)*)"`)

// parseStringifiedList runs the repair ladder: direct parse, smart
// quote normalization, bracket-aware comma splitting, and finally
// regex extraction of quoted substrings. Returns nil when every
// strategy fails.
func parseStringifiedList(value string) []string {
	if parsed, ok := tryJSONList(value); ok {
		return parsed
	}

	if parsed, ok := tryJSONList(smartQuoteReplacer.Replace(value)); ok {
		return parsed
	}

	stripped := strings.TrimSpace(value)
	if strings.HasPrefix(stripped, "[") && strings.HasSuffix(stripped, "]") {
		inner := strings.TrimSpace(stripped[1 : len(stripped)-1])
		if inner == "" {
			return []string{}
		}
		if elems, ok := splitArrayElements(inner); ok {
			return elems
		}
	}

	matches := quotedStringPattern.FindAllStringSubmatch(value, -1)
	if len(matches) > 0 {
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			var s string
			if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &s); err == nil {
				out = append(out, s)
			} else {
				out = append(out, m[1])
			}
		}
		return out
	}

	return nil
}

func tryJSONList(value string) ([]string, bool) {
	var raw []interface{}
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// splitArrayElements splits the inner text of a malformed JSON array on
// commas that sit outside quoted segments, tracking escapes so quoted
// commas never split an element.
func splitArrayElements(inner string) ([]string, bool) {
	var elements []string
	var current strings.Builder
	inString := false
	escapeNext := false

	flush := func() bool {
		elem := strings.TrimSpace(current.String())
		current.Reset()
		if elem == "" {
			return true
		}
		var s string
		if err := json.Unmarshal([]byte(elem), &s); err == nil {
			elements = append(elements, s)
			return true
		}
		if strings.HasPrefix(elem, `"`) && strings.HasSuffix(elem, `"`) && len(elem) >= 2 {
			elements = append(elements, elem[1:len(elem)-1])
			return true
		}
		return false
	}

	for _, r := range inner {
		switch {
		case escapeNext:
			current.WriteRune(r)
			escapeNext = false
		case r == '\\':
			current.WriteRune(r)
			escapeNext = true
		case r == '"':
			inString = !inString
			current.WriteRune(r)
		case r == ',' && !inString:
			if !flush() {
				return nil, false
			}
		default:
			current.WriteRune(r)
		}
	}
	if !flush() {
		return nil, false
	}
	return elements, true
}
