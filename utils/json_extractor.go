package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSONFound is returned when no valid JSON object/array is found in the input
var ErrNoJSONFound = errors.New("no valid JSON object or array found in response")

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")

// ExtractJSON pulls the first valid JSON value out of a model response that
// may carry markdown fences, prose or trailing garbage.
//
// Layers, in order:
//   - markdown fence stripping
//   - bracket matching from the first { or [
//   - the cleaned response as-is
//   - first-open to last-close span
//   - control character / trailing garbage repair
func ExtractJSON(response string) (string, error) {
	if strings.TrimSpace(response) == "" {
		return "", ErrNoJSONFound
	}

	cleaned := extractFromMarkdown(response)

	if jsonStr := extractJSONByBrackets(cleaned, 0); jsonStr != "" && json.Valid([]byte(jsonStr)) {
		return jsonStr, nil
	}

	if json.Valid([]byte(cleaned)) {
		return cleaned, nil
	}

	if jsonStr := aggressiveExtract(response); jsonStr != "" {
		return jsonStr, nil
	}

	if jsonStr := tryFixJSON(cleaned); jsonStr != "" && json.Valid([]byte(jsonStr)) {
		return jsonStr, nil
	}

	return "", fmt.Errorf("%w: response length=%d", ErrNoJSONFound, len(response))
}

// ExtractJSONTo extracts JSON from response and unmarshals it into the target
func ExtractJSONTo(response string, target interface{}) error {
	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(jsonStr), target)
}

// ExtractJSONArray returns the outermost [...] span that parses as JSON.
// Model output frequently wraps an array in an object or prose; this skips
// straight to the array.
func ExtractJSONArray(response string) (string, error) {
	cleaned := extractFromMarkdown(response)

	for start := strings.Index(cleaned, "["); start != -1; {
		if span := extractJSONByBrackets(cleaned, start); span != "" && json.Valid([]byte(span)) {
			return span, nil
		}
		next := strings.Index(cleaned[start+1:], "[")
		if next == -1 {
			break
		}
		start += next + 1
	}

	first := strings.Index(cleaned, "[")
	last := strings.LastIndex(cleaned, "]")
	if first != -1 && last > first {
		candidate := cleaned[first : last+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
		if fixed := stripTrailingCommas(candidate); json.Valid([]byte(fixed)) {
			return fixed, nil
		}
	}

	return "", fmt.Errorf("%w: no array span", ErrNoJSONFound)
}

// Truncate shortens s for log output.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// extractFromMarkdown removes markdown code block formatting
func extractFromMarkdown(s string) string {
	s = strings.TrimSpace(s)

	if matches := fencedBlock.FindStringSubmatch(s); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractJSONByBrackets scans from the first opening bracket at or after
// from and returns the balanced value, honoring string escapes.
func extractJSONByBrackets(s string, from int) string {
	if from >= len(s) {
		return ""
	}
	rest := s[from:]
	startObj := strings.Index(rest, "{")
	startArr := strings.Index(rest, "[")

	var start int
	var openChar, closeChar byte
	switch {
	case startObj == -1 && startArr == -1:
		return ""
	case startObj == -1 || (startArr != -1 && startArr < startObj):
		start, openChar, closeChar = startArr, '[', ']'
	default:
		start, openChar, closeChar = startObj, '{', '}'
	}
	start += from

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// aggressiveExtract tries first-open to last-close for objects, then arrays.
func aggressiveExtract(s string) string {
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		first := strings.Index(s, pair[0])
		last := strings.LastIndex(s, pair[1])
		if first != -1 && last > first {
			candidate := s[first : last+1]
			if json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	return ""
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

func stripTrailingCommas(s string) string {
	return trailingComma.ReplaceAllString(s, "$1")
}

// tryFixJSON attempts to fix common JSON issues
func tryFixJSON(s string) string {
	open, close := "{", "}"
	if a, o := strings.Index(s, "["), strings.Index(s, "{"); a != -1 && (o == -1 || a < o) {
		open, close = "[", "]"
	}
	if last := strings.LastIndex(s, close); last > 0 {
		s = s[:last+1]
	}
	if first := strings.Index(s, open); first > 0 {
		s = s[first:]
	}

	var cleaned strings.Builder
	for _, r := range s {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			cleaned.WriteRune(r)
		}
	}
	return stripTrailingCommas(cleaned.String())
}
