package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Models wrap JSON in prose, markdown fences, or both, no matter how the
// prompt asks. Unmarshal tries progressively looser extraction before
// giving up; a failure is a *ParseError the caller reports as a warning,
// not a reason to fail the analysis.

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseError reports a model reply that no strategy could decode into
// the expected JSON shape.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("llm: unparseable reply %q: %v", e.Snippet, e.Err)
	}
	return fmt.Sprintf("llm: unparseable reply: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Unmarshal decodes a model reply into v, tolerating surrounding prose
// and markdown. Strategies in order: the raw reply, the contents of a
// ```json fence, the first balanced JSON object found by brace scan.
func Unmarshal(raw string, v any) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return &ParseError{Err: errors.New("empty reply")}
	}

	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	if m := fencedJSON.FindStringSubmatch(trimmed); len(m) > 1 {
		if err := json.Unmarshal([]byte(m[1]), v); err == nil {
			return nil
		}
	}

	if obj, ok := firstJSONObject(trimmed); ok {
		if err := json.Unmarshal([]byte(obj), v); err == nil {
			return nil
		}
	}

	return &ParseError{Snippet: snippet(trimmed), Err: errors.New("no decodable JSON object")}
}

// firstJSONObject returns the first balanced top-level {...} in s,
// skipping braces inside string literals.
func firstJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start != -1 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}

func snippet(s string) string {
	const max = 120
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
