package extractor

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

const validOutline = `{
  "title": "Cell Biology",
  "language": "en",
  "sections": [
    {
      "id": "s1",
      "heading": "Membranes",
      "summary": "Lipid bilayers and transport.",
      "keyPoints": ["bilayer", "channels"],
      "sourceText": "Today we talk about the membrane and how {things} move across it."
    }
  ]
}`

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", `{"a":"x"}`, "x"},
		{"fenced", "```json\n{\"a\":\"x\"}\n```", "x"},
		{"bare fence", "```\n{\"a\":\"x\"}\n```", "x"},
		{"think block", "<think>maybe {\"a\":\"wrong\"}</think>\n{\"a\":\"x\"}", "x"},
		{"reasoning block", "<reasoning>{oops}</reasoning>{\"a\":\"x\"}", "x"},
		{"prose around", "Sure! Here it is: {\"a\":\"x\"} hope that helps", "x"},
		{"brace inside string", `noise {"a":"x}{y"} trailing }`, "x}{y"},
		{"escaped quote", `prefix {"a":"say \"}\" ok"} suffix`, `say "}" ok`},
		{"first candidate invalid", `{not json} then {"a":"x"}`, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := Extract(tt.raw)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if got, _ := obj["a"].(string); got != tt.want {
				t.Fatalf("a = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractFailures(t *testing.T) {
	for _, raw := range []string{"", "no json here", "{unclosed", "<think>{\"a\":1}</think>", "[1,2,3]"} {
		if _, err := Extract(raw); !errors.Is(err, ErrNoJSON) {
			t.Errorf("Extract(%q) err = %v, want ErrNoJSON", raw, err)
		}
	}
}

func TestParseOutline(t *testing.T) {
	o, err := ParseOutline("```json\n" + validOutline + "\n```")
	if err != nil {
		t.Fatalf("ParseOutline: %v", err)
	}
	if o.Title != "Cell Biology" || len(o.Sections) != 1 || len(o.Sections[0].KeyPoints) != 2 {
		t.Fatalf("unexpected outline: %+v", o)
	}
}

func TestParseOutlineNotJSON(t *testing.T) {
	_, err := ParseOutline("I cannot help with that.")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
}

func TestValidateOutlinePaths(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		path string
	}{
		{"missing title", `{"language":"en","sections":[]}`, "title"},
		{"no sections", `{"title":"t","language":"en","sections":[]}`, "sections"},
		{"one key point", `{"title":"t","language":"en","sections":[{"id":"1","heading":"h","summary":"s","keyPoints":["a"],"sourceText":"long enough source text here"}]}`, "sections[0].keyPoints"},
		{"short source", `{"title":"t","language":"en","sections":[{"id":"1","heading":"h","summary":"s","keyPoints":["a","b"],"sourceText":"short"}]}`, "sections[0].sourceText"},
		{"wrong type", `{"title":"t","language":"en","sections":[{"id":1}]}`, "sections[0].id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := Extract(tt.raw)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			err = ValidateOutline(obj)
			var se *SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *SchemaError", err)
			}
			if se.Path != tt.path {
				t.Fatalf("path = %q, want %q (%v)", se.Path, tt.path, se)
			}
		})
	}
}

func sectionJSON(bullets, terms int) string {
	var b strings.Builder
	b.WriteString(`{"id":"s1","heading":"Membranes","bullets":[`)
	for i := 0; i < bullets; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`"point"`)
	}
	b.WriteString(`],"keyTerms":[`)
	for i := 0; i < terms; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"term":"lipid","definition":"fat"}`)
	}
	b.WriteString(`]}`)
	return b.String()
}

func TestValidateSectionNotesBounds(t *testing.T) {
	tests := []struct {
		bullets, terms int
		path           string
	}{
		{5, 3, ""},
		{10, 8, ""},
		{4, 3, "bullets"},
		{11, 3, "bullets"},
		{5, 2, "keyTerms"},
		{5, 9, "keyTerms"},
	}
	for _, tt := range tests {
		n, err := ParseSectionNotes(sectionJSON(tt.bullets, tt.terms))
		if tt.path == "" {
			if err != nil {
				t.Errorf("bullets=%d terms=%d: unexpected error %v", tt.bullets, tt.terms, err)
			} else if len(n.Bullets) != tt.bullets || n.Examples != nil {
				t.Errorf("unexpected notes %+v", n)
			}
			continue
		}
		var se *SchemaError
		if !errors.As(err, &se) || se.Path != tt.path {
			t.Errorf("bullets=%d terms=%d: err = %v, want path %q", tt.bullets, tt.terms, err, tt.path)
		}
	}
}

func TestValidateSectionNotesKeyTermShape(t *testing.T) {
	raw := `{"id":"s1","heading":"h","bullets":["a","b","c","d","e"],"keyTerms":[{"term":"a","definition":"b"},{"term":"c"},{"term":"e","definition":"f"}]}`
	_, err := ParseSectionNotes(raw)
	var se *SchemaError
	if !errors.As(err, &se) || se.Path != "keyTerms[1].definition" {
		t.Fatalf("err = %v", err)
	}
}

const validFinal = `{
  "title": "Cell Biology",
  "tldr": ["Membranes separate", "Transport is selective"],
  "outline": [{"heading": "Membranes", "bullets": ["bilayer", "proteins"]}],
  "keyTerms": [
    {"term": "lipid", "definition": "fat molecule"},
    {"term": "channel", "definition": "pore protein"},
    {"term": "osmosis", "definition": "water diffusion"}
  ],
  "reviewChecklist": ["Define lipid", "Explain osmosis", "Draw a bilayer"],
  "quiz": [
    {"q": "What is a lipid?", "a": "A fat"},
    {"q": "What is osmosis?", "a": "Water diffusion"},
    {"q": "What is a channel?", "a": "A pore"}
  ],
  "markdown": "# Cell Biology"
}`

func TestParseFinalNote(t *testing.T) {
	n, err := ParseFinalNote("<think>let me merge</think>" + validFinal)
	if err != nil {
		t.Fatalf("ParseFinalNote: %v", err)
	}
	if n.Markdown != "# Cell Biology" || len(n.Quiz) != 3 || n.Quiz[1].A != "Water diffusion" {
		t.Fatalf("unexpected note: %+v", n)
	}
}

func TestValidateFinalNoteMissingMarkdown(t *testing.T) {
	raw := strings.Replace(validFinal, `"markdown": "# Cell Biology"`, `"markdown": "  "`, 1)
	_, err := ParseFinalNote(raw)
	var se *SchemaError
	if !errors.As(err, &se) || se.Path != "markdown" {
		t.Fatalf("err = %v, want markdown schema error", err)
	}
}

func TestValidateFinalNoteQuizTooShort(t *testing.T) {
	raw := strings.Replace(validFinal, `{"q": "What is a channel?", "a": "A pore"}`, ``, 1)
	raw = strings.Replace(raw, `"Water diffusion"},`, `"Water diffusion"}`, 1)
	_, err := ParseFinalNote(raw)
	var se *SchemaError
	if !errors.As(err, &se) || se.Path != "quiz" {
		t.Fatalf("err = %v, want quiz schema error", err)
	}
}

func finalWithMarkdown(t *testing.T, md string) string {
	t.Helper()
	var obj map[string]any
	if err := json.Unmarshal([]byte(validFinal), &obj); err != nil {
		t.Fatal(err)
	}
	obj["markdown"] = md
	b, err := json.Marshal(obj)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestParseFinalNoteKeepsCodeFences(t *testing.T) {
	tests := []struct {
		name string
		md   string
		wrap func(string) string
	}{
		{"plain code block", "# Go lecture\n\n```go\nfmt.Println(1)\n```\n", nil},
		{"code block with braces", "# Go lecture\n\n```go\nfunc main() { fmt.Println(1) }\n```\n", nil},
		{"whole response fenced", "# Go lecture\n\n```go\nfunc main() { fmt.Println(1) }\n```\n", func(s string) string { return "```json\n" + s + "\n```" }},
		{"prose and reasoning around", "# Go lecture\n\n```\nif x { y }\n```", func(s string) string { return "<think>plan</think>Here you go:\n" + s + "\nDone." }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := finalWithMarkdown(t, tt.md)
			if tt.wrap != nil {
				raw = tt.wrap(raw)
			}
			n, err := ParseFinalNote(raw)
			if err != nil {
				t.Fatalf("ParseFinalNote: %v", err)
			}
			if n.Markdown != tt.md {
				t.Fatalf("markdown = %q, want %q", n.Markdown, tt.md)
			}
		})
	}
}

func TestValidateFinalNoteEmptyOutline(t *testing.T) {
	raw := strings.Replace(validFinal, `[{"heading": "Membranes", "bullets": ["bilayer", "proteins"]}]`, `[]`, 1)
	if _, err := ParseFinalNote(raw); err != nil {
		t.Fatalf("empty outline should be accepted: %v", err)
	}
}

func TestSnippetKeepsRunesWhole(t *testing.T) {
	s := snippet(strings.Repeat("é", 200))
	if !utf8.ValidString(s) {
		t.Fatalf("snippet split a rune: %q", s)
	}
	if got := utf8.RuneCountInString(strings.TrimSuffix(s, "...")); got != 120 {
		t.Fatalf("snippet runes = %d, want 120", got)
	}
}
