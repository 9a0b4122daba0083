package extractor

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"voice-notes-go/internal/types"
)

// SchemaError reports the first field that violates a phase schema.
type SchemaError struct {
	Path string
	Msg  string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return "schema: " + e.Msg
	}
	return fmt.Sprintf("schema: %s: %s", e.Path, e.Msg)
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func at(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

// str reads a required string field with at least minRunes characters
// after trimming.
func str(obj map[string]any, path, key string, minRunes int) *SchemaError {
	p := join(path, key)
	v, ok := obj[key]
	if !ok || v == nil {
		return &SchemaError{Path: p, Msg: "is required"}
	}
	s, ok := v.(string)
	if !ok {
		return &SchemaError{Path: p, Msg: fmt.Sprintf("must be a string, got %T", v)}
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(s)); n < minRunes {
		if minRunes <= 1 {
			return &SchemaError{Path: p, Msg: "must not be empty"}
		}
		return &SchemaError{Path: p, Msg: fmt.Sprintf("must be at least %d characters, got %d", minRunes, n)}
	}
	return nil
}

// arr reads an array field with min..max items; max < 0 means unbounded.
// A missing field counts as empty, which only passes when min is zero.
func arr(obj map[string]any, path, key string, min, max int) ([]any, *SchemaError) {
	p := join(path, key)
	v, ok := obj[key]
	if !ok || v == nil {
		if min == 0 {
			return nil, nil
		}
		return nil, &SchemaError{Path: p, Msg: "is required"}
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &SchemaError{Path: p, Msg: fmt.Sprintf("must be an array, got %T", v)}
	}
	if len(items) < min {
		return nil, &SchemaError{Path: p, Msg: fmt.Sprintf("needs at least %d items, got %d", min, len(items))}
	}
	if max >= 0 && len(items) > max {
		return nil, &SchemaError{Path: p, Msg: fmt.Sprintf("allows at most %d items, got %d", max, len(items))}
	}
	return items, nil
}

func stringList(obj map[string]any, path, key string, min, max int) *SchemaError {
	items, err := arr(obj, path, key, min, max)
	if err != nil {
		return err
	}
	p := join(path, key)
	for i, it := range items {
		s, ok := it.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return &SchemaError{Path: at(p, i), Msg: "must be a non-empty string"}
		}
	}
	return nil
}

func objects(obj map[string]any, path, key string, min, max int, each func(map[string]any, string) *SchemaError) *SchemaError {
	items, err := arr(obj, path, key, min, max)
	if err != nil {
		return err
	}
	p := join(path, key)
	for i, it := range items {
		o, ok := it.(map[string]any)
		if !ok {
			return &SchemaError{Path: at(p, i), Msg: fmt.Sprintf("must be an object, got %T", it)}
		}
		if err := each(o, at(p, i)); err != nil {
			return err
		}
	}
	return nil
}

func keyTerm(o map[string]any, path string) *SchemaError {
	if err := str(o, path, "term", 1); err != nil {
		return err
	}
	return str(o, path, "definition", 1)
}

// ValidateOutline checks the phase-one shape:
// { title, language, sections: [{ id, heading, summary, keyPoints[2+], sourceText }] }.
func ValidateOutline(obj map[string]any) error {
	if err := str(obj, "", "title", 1); err != nil {
		return err
	}
	if err := str(obj, "", "language", 1); err != nil {
		return err
	}
	err := objects(obj, "", "sections", 1, -1, func(s map[string]any, p string) *SchemaError {
		for _, k := range []string{"id", "heading", "summary"} {
			if err := str(s, p, k, 1); err != nil {
				return err
			}
		}
		if err := stringList(s, p, "keyPoints", 2, -1); err != nil {
			return err
		}
		return str(s, p, "sourceText", 20)
	})
	if err != nil {
		return err
	}
	return nil
}

// ValidateSectionNotes checks the phase-two shape for one section.
func ValidateSectionNotes(obj map[string]any) error {
	if err := str(obj, "", "id", 1); err != nil {
		return err
	}
	if err := str(obj, "", "heading", 1); err != nil {
		return err
	}
	if err := stringList(obj, "", "bullets", 5, 10); err != nil {
		return err
	}
	if err := objects(obj, "", "keyTerms", 3, 8, keyTerm); err != nil {
		return err
	}
	if err := stringList(obj, "", "examples", 0, 5); err != nil {
		return err
	}
	if err := stringList(obj, "", "actionItems", 0, 5); err != nil {
		return err
	}
	return nil
}

// ValidateFinalNote checks the merged note.
func ValidateFinalNote(obj map[string]any) error {
	if err := str(obj, "", "title", 1); err != nil {
		return err
	}
	if err := stringList(obj, "", "tldr", 2, 8); err != nil {
		return err
	}
	err := objects(obj, "", "outline", 0, -1, func(o map[string]any, p string) *SchemaError {
		if err := str(o, p, "heading", 1); err != nil {
			return err
		}
		return stringList(o, p, "bullets", 2, -1)
	})
	if err != nil {
		return err
	}
	if err := objects(obj, "", "keyTerms", 3, -1, keyTerm); err != nil {
		return err
	}
	if err := stringList(obj, "", "reviewChecklist", 3, 12); err != nil {
		return err
	}
	err = objects(obj, "", "quiz", 3, 10, func(o map[string]any, p string) *SchemaError {
		if err := str(o, p, "q", 1); err != nil {
			return err
		}
		return str(o, p, "a", 1)
	})
	if err != nil {
		return err
	}
	if err := str(obj, "", "markdown", 1); err != nil {
		return err
	}
	return nil
}

// decode re-encodes a validated tree into its typed form.
func decode(obj map[string]any, out any) error {
	b, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("re-encode: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func parse(raw string, validate func(map[string]any) error, out any) error {
	obj, err := Extract(raw)
	if err != nil {
		return &ParseError{Snippet: snippet(raw), Err: err}
	}
	if err := validate(obj); err != nil {
		return err
	}
	return decode(obj, out)
}

// ParseOutline extracts, validates and decodes a phase-one response.
func ParseOutline(raw string) (*types.Outline, error) {
	var o types.Outline
	if err := parse(raw, ValidateOutline, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ParseSectionNotes extracts, validates and decodes a phase-two response.
func ParseSectionNotes(raw string) (*types.SectionNotes, error) {
	var n types.SectionNotes
	if err := parse(raw, ValidateSectionNotes, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ParseFinalNote extracts, validates and decodes a phase-three response.
func ParseFinalNote(raw string) (*types.FinalNote, error) {
	var n types.FinalNote
	if err := parse(raw, ValidateFinalNote, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
