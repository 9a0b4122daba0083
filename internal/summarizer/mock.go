package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"voice-notes-go/internal/llm"
)

// MockProvider answers every phase with schema-valid canned JSON built
// from the prompt. Selected with USE_MOCK_LLM=true.
type MockProvider struct{}

func (MockProvider) Name() string { return "mock-llm" }

func (MockProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var prompt string
	for _, m := range req.Messages {
		if m.Role == "user" && prompt == "" {
			prompt = m.Content
		}
	}

	var v any
	switch {
	case strings.HasPrefix(prompt, "Segment the TRANSCRIPT"):
		v = mockOutline(between(prompt, "TRANSCRIPT:\n", "\n\n----"))
	case strings.HasPrefix(prompt, "Write detailed study notes"):
		v = mockSection(between(prompt, "SECTION HEADING:\n", "\n\nSOURCE EXCERPT"))
	default:
		v = mockFinal(between(prompt, "SECTION NOTES:\n", "----"))
	}
	b, _ := json.Marshal(v)
	return &llm.ChatResponse{Content: string(b), Model: "mock"}, nil
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	if j := strings.Index(s, end); j >= 0 {
		s = s[:j]
	}
	return strings.TrimSpace(s)
}

func mockOutline(transcript string) map[string]any {
	source := transcript
	for utf8.RuneCountInString(source) < 20 {
		source += " (no further speech)"
	}
	return map[string]any{
		"title":    "Mock lecture notes",
		"language": "en",
		"sections": []map[string]any{{
			"id":         "s1",
			"heading":    "Overview",
			"summary":    "Summary of the recording.",
			"keyPoints":  []string{"first point", "second point"},
			"sourceText": source,
		}},
	}
}

func mockSection(heading string) map[string]any {
	if heading == "" {
		heading = "Overview"
	}
	bullets := make([]string, 5)
	for i := range bullets {
		bullets[i] = fmt.Sprintf("%s point %d", heading, i+1)
	}
	return map[string]any{
		"id":      "s1",
		"heading": heading,
		"bullets": bullets,
		"keyTerms": []map[string]string{
			{"term": "alpha", "definition": "first term"},
			{"term": "beta", "definition": "second term"},
			{"term": "gamma", "definition": "third term"},
		},
		"examples":    []string{},
		"actionItems": []string{"review " + heading},
	}
}

func mockFinal(parts string) map[string]any {
	md := "# Mock lecture notes\n\n" + parts
	return map[string]any{
		"title":   "Mock lecture notes",
		"tldr":    []string{"The recording was summarized.", "Mock output only."},
		"outline": []map[string]any{{"heading": "Overview", "bullets": []string{"one", "two"}}},
		"keyTerms": []map[string]string{
			{"term": "alpha", "definition": "first term"},
			{"term": "beta", "definition": "second term"},
			{"term": "gamma", "definition": "third term"},
		},
		"reviewChecklist": []string{"Reread notes", "Define terms", "Answer quiz"},
		"quiz": []map[string]string{
			{"q": "What is alpha?", "a": "The first term"},
			{"q": "What is beta?", "a": "The second term"},
			{"q": "What is gamma?", "a": "The third term"},
		},
		"markdown": md,
	}
}
