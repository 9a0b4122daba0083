// internal/types/notes.go
package types

// --------------------------------------------
// Phase 1: outline of a transcript
// --------------------------------------------
type Outline struct {
	Title    string           `json:"title"`
	Language string           `json:"language"`
	Sections []OutlineSection `json:"sections"`
}

type OutlineSection struct {
	ID         string   `json:"id"`
	Heading    string   `json:"heading"`
	Summary    string   `json:"summary"`
	KeyPoints  []string `json:"keyPoints"`
	SourceText string   `json:"sourceText"`
}

// --------------------------------------------
// Phase 2: detailed notes for one section
// --------------------------------------------
type SectionNotes struct {
	ID          string    `json:"id"`
	Heading     string    `json:"heading"`
	Bullets     []string  `json:"bullets"`
	KeyTerms    []KeyTerm `json:"keyTerms"`
	Examples    []string  `json:"examples"`
	ActionItems []string  `json:"actionItems"`
}

type KeyTerm struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// --------------------------------------------
// Phase 3: merged final note
// --------------------------------------------
type FinalNote struct {
	Title           string         `json:"title"`
	TLDR            []string       `json:"tldr"`
	Outline         []OutlineEntry `json:"outline"`
	KeyTerms        []KeyTerm      `json:"keyTerms"`
	ReviewChecklist []string       `json:"reviewChecklist"`
	Quiz            []QuizItem     `json:"quiz"`
	Markdown        string         `json:"markdown"`
}

type OutlineEntry struct {
	Heading string   `json:"heading"`
	Bullets []string `json:"bullets"`
}

type QuizItem struct {
	Q string `json:"q"`
	A string `json:"a"`
}
