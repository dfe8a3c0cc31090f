// Package sanitize strips markup and script vectors from untrusted request
// input before any handler sees it.
package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxDepth  = 32
	maxPasses = 8
)

// ErrMalformed is returned for input the sanitizer cannot walk safely.
var ErrMalformed = errors.New("malformed input")

var (
	strict         = bluemonday.StrictPolicy()
	schemePattern  = regexp.MustCompile(`(?i)(javascript|vbscript|data)\s*:`)
	handlerPattern = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// credentialKeys hold secrets that are only ever hashed and compared, never
// rendered. Their string values pass through byte for byte so the value a
// client registers is the value it logs in with.
var credentialKeys = map[string]struct{}{
	"password":        {},
	"currentPassword": {},
	"newPassword":     {},
}

// String cleans one string. The result is stable: String(String(s)) equals
// String(s).
func String(s string) (string, error) {
	current := s
	for i := 0; i < maxPasses; i++ {
		next := clean(current)
		if next == current {
			return next, nil
		}
		current = next
	}
	return "", fmt.Errorf("%w: string did not settle after %d passes", ErrMalformed, maxPasses)
}

func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	s = strict.Sanitize(s)
	s = html.UnescapeString(s)
	s = strings.NewReplacer("<", "", ">", "").Replace(s)
	s = schemePattern.ReplaceAllString(s, "")
	s = handlerPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Value walks decoded JSON-like input. Strings are cleaned, maps and slices
// are walked, other primitives pass through unchanged. String values under a
// credential key are left as they are.
func Value(v any) (any, error) {
	return walk(v, 0)
}

func walk(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}

	switch typed := v.(type) {
	case nil, bool, json.Number, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return typed, nil
	case string:
		return String(typed)
	case []string:
		out := make([]string, len(typed))
		for i, item := range typed {
			cleaned, err := String(item)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			cleaned, err := walk(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			if secret, ok := item.(string); ok && isCredentialKey(key) {
				out[key] = secret
				continue
			}
			cleaned, err := walk(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = cleaned
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrMalformed, v)
	}
}

func isCredentialKey(key string) bool {
	_, ok := credentialKeys[key]
	return ok
}
