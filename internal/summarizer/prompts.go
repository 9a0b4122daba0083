package summarizer

import (
	"fmt"
	"strings"

	"voice-notes-go/internal/llm"
)

const systemPrompt = `You are a careful study-notes writer. You turn lecture and meeting transcripts into structured notes.
Ground every statement in the provided text. NO outside knowledge. NO invented facts.
Respond with a single JSON object and nothing else.`

// strictInstruction is appended as a final user turn on the strict re-prompt.
const strictInstruction = `Your previous answer could not be used.
Return ONLY one JSON object that matches the schema exactly.
DO NOT include reasoning, commentary, markdown, or code fences.
The first character of your reply must be { and the last must be }.`

// BuildOutlinePrompt asks for topical sections of a transcript.
func BuildOutlinePrompt(transcript string, maxSections int) []llm.Message {
	prompt := `Segment the TRANSCRIPT below into coherent topical sections.

----------------------------------------------------------------------
SCHEMA (STRICT, RETURN ONLY JSON)
{
  "title": "",
  "language": "",
  "sections": [
    {
      "id": "s1",
      "heading": "",
      "summary": "",
      "keyPoints": ["", ""],
      "sourceText": ""
    }
  ]
}

RULES:
1. Produce between 1 and %d sections, in transcript order.
2. "language" is the ISO 639-1 code of the transcript language.
3. Each section needs at least 2 keyPoints.
4. "sourceText" is the verbatim excerpt of the transcript the section covers (at least 20 characters, at most about 2500).
5. Write headings, summaries and keyPoints in the transcript language.

TRANSCRIPT:
%s

----------------------------------------------------------------------
Return ONLY valid JSON that matches the SCHEMA.
`
	return []llm.Message{
		llm.System(systemPrompt),
		llm.User(fmt.Sprintf(prompt, maxSections, transcript)),
	}
}

// BuildSectionNotesPrompt asks for detailed notes on one outline section.
func BuildSectionNotesPrompt(id, heading, sourceText string) []llm.Message {
	prompt := `Write detailed study notes for ONE section of a transcript.

----------------------------------------------------------------------
SCHEMA (STRICT, RETURN ONLY JSON)
{
  "id": "%s",
  "heading": "",
  "bullets": [],
  "keyTerms": [{"term": "", "definition": ""}],
  "examples": [],
  "actionItems": []
}

RULES:
1. 5 to 10 bullets, each one complete thought.
2. 3 to 8 keyTerms with short definitions taken from the excerpt.
3. Up to 5 examples and up to 5 actionItems; use empty arrays when there are none.
4. Keep the id "%s".

SECTION HEADING:
%s

SOURCE EXCERPT:
%s

----------------------------------------------------------------------
Return ONLY valid JSON that matches the SCHEMA.
`
	return []llm.Message{
		llm.System(systemPrompt),
		llm.User(fmt.Sprintf(prompt, id, id, heading, sourceText)),
	}
}

// BuildFinalMergePrompt asks for the merged note over all section outputs.
func BuildFinalMergePrompt(parts []string) []llm.Message {
	var b strings.Builder
	for i, p := range parts {
		fmt.Fprintf(&b, "=== PART %d ===\n%s\n\n", i+1, strings.TrimSpace(p))
	}

	prompt := `Merge the section notes below into ONE final study note.

----------------------------------------------------------------------
SCHEMA (STRICT, RETURN ONLY JSON)
{
  "title": "",
  "tldr": [],
  "outline": [{"heading": "", "bullets": []}],
  "keyTerms": [{"term": "", "definition": ""}],
  "reviewChecklist": [],
  "quiz": [{"q": "", "a": ""}],
  "markdown": ""
}

RULES:
1. 2 to 8 tldr lines.
2. Every outline entry has at least 2 bullets. Remove duplicates across parts.
3. At least 3 keyTerms.
4. 3 to 12 reviewChecklist items and 3 to 10 quiz questions with answers.
5. "markdown" is the complete note as Markdown: title, TL;DR, sections, key terms, checklist and quiz.

SECTION NOTES:
%s
----------------------------------------------------------------------
Return ONLY valid JSON that matches the SCHEMA.
`
	return []llm.Message{
		llm.System(systemPrompt),
		llm.User(fmt.Sprintf(prompt, b.String())),
	}
}

func strictMessages(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, msgs...)
	return append(out, llm.User(strictInstruction))
}
