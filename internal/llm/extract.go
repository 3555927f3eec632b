package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Veraticus/the-price-must-flow/internal/common"
)

// ErrUnparseable is returned when model output cannot be turned into the
// requested structure after every recovery strategy.
var ErrUnparseable = errors.New("unparseable model response")

var (
	fencePattern         = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\n?(.*?)\\s*```")
	trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)
)

// Extract decodes model output into v. Recovery strategies run in order, each
// building on the previous candidate:
//
//  1. strip markdown code fences
//  2. parse as-is
//  3. take the first balanced {...} object
//  4. remove trailing commas
//  5. close an unterminated string
//  6. close unbalanced braces and brackets
//
// If none yields valid JSON the error wraps ErrUnparseable.
func Extract(raw string, v any) error {
	text := stripFences(raw)
	if ok, err := decode(text, v); ok {
		return err
	}

	candidate := text
	if start := strings.IndexByte(text, '{'); start >= 0 {
		if obj, balanced := firstObject(text[start:]); balanced {
			candidate = obj
		} else {
			candidate = text[start:]
		}
		if ok, err := decode(candidate, v); ok {
			return err
		}
	}

	candidate = removeTrailingCommas(candidate)
	if ok, err := decode(candidate, v); ok {
		return err
	}

	candidate = closeString(candidate)
	if ok, err := decode(candidate, v); ok {
		return err
	}

	candidate = removeTrailingCommas(closeBrackets(candidate))
	if ok, err := decode(candidate, v); ok {
		return err
	}

	return fmt.Errorf("%w: %s", ErrUnparseable, snippet(raw))
}

// decode reports whether s is valid JSON and, if so, the result of decoding it into v.
func decode(s string, v any) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" || !json.Valid([]byte(s)) {
		return false, nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return true, fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	return true, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	// An opening fence without a closing one, as in truncated output.
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			return strings.TrimSpace(s[nl+1:])
		}
	}
	return s
}

// firstObject returns the first balanced object at the start of s, which must begin with '{'.
func firstObject(s string) (string, bool) {
	depth := 0
	inString, escaped := false, false
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return s, false
}

func removeTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

// closeString appends a quote when s ends inside a string literal.
func closeString(s string) string {
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		}
	}
	if !inString {
		return s
	}
	if escaped {
		s = s[:len(s)-1]
	}
	return s + `"`
}

// closeBrackets appends the closers needed to balance every open brace and bracket.
func closeBrackets(s string) string {
	var stack []byte
	inString, escaped := false, false
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(s, " \t\r\n"))
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

func snippet(s string) string {
	return common.Truncate(strings.TrimSpace(s), 200)
}
