package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrNoJSON means no JSON object could be recovered from the model output.
var ErrNoJSON = errors.New("no JSON object found in model output")

var reasoningBlocks = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
	regexp.MustCompile(`(?is)<analysis>.*?</analysis>`),
}

// wholeFence matches a fence that encloses the entire response.
var wholeFence = regexp.MustCompile("(?s)^```[a-zA-Z]*[ \\t]*\\n?(.*?)\\n?[ \\t]*```$")

// Clean strips reasoning blocks and, when the whole response is one
// fenced block, the fence around it. Fences inside the body are kept.
func Clean(s string) string {
	s = stripReasoning(strings.ReplaceAll(s, "\r\n", "\n"))
	if m := wholeFence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	return s
}

func stripReasoning(s string) string {
	for _, re := range reasoningBlocks {
		s = re.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// Extract recovers a JSON object from raw model output. It parses the
// text as is, then without reasoning blocks, then with an enclosing fence
// removed, and otherwise scans for a balanced brace-delimited object.
func Extract(raw string) (map[string]any, error) {
	if obj := object(raw); obj != nil {
		return obj, nil
	}
	s := stripReasoning(raw)
	if obj := object(s); obj != nil {
		return obj, nil
	}

	s = Clean(s)
	if s == "" {
		return nil, ErrNoJSON
	}
	if obj := object(s); obj != nil {
		return obj, nil
	}

	for start := strings.IndexByte(s, '{'); start >= 0; {
		if candidate := balancedObject(s[start:]); candidate != "" {
			if obj := object(candidate); obj != nil {
				return obj, nil
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, ErrNoJSON
}

func object(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &obj); err != nil {
		return nil
	}
	return obj
}

// balancedObject returns the prefix of s (which starts with '{') up to the
// matching close brace, ignoring braces inside string literals.
func balancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// ParseError wraps a failure to recover JSON, keeping a snippet of the input.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model output: %v (got %q)", e.Err, e.Snippet)
}

func (e *ParseError) Unwrap() error { return e.Err }

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > 120 {
		return string([]rune(s)[:120]) + "..."
	}
	return s
}
