package export

import (
	"bytes"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"

	"voice-notes-go/internal/types"
)

func doneJob() *types.Job {
	return &types.Job{
		ID:    "job-1",
		Stage: types.StageDone,
		Note: &types.FinalNote{
			Title:           "Cell Biology",
			TLDR:            []string{"Membranes separate", "Transport is selective"},
			Outline:         []types.OutlineEntry{{Heading: "Membranes", Bullets: []string{"bilayer", "proteins"}}},
			KeyTerms:        []types.KeyTerm{{Term: "lipid", Definition: "fat"}, {Term: "osmosis", Definition: "water diffusion"}},
			ReviewChecklist: []string{"Define lipid", "Explain osmosis", "Draw a bilayer"},
			Quiz:            []types.QuizItem{{Q: "What is a lipid?", A: "A fat"}, {Q: "What is osmosis?", A: "Water diffusion"}},
			Markdown:        "# Cell Biology",
		},
		Provenance: map[string]string{"final_merge": "openai"},
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, doneJob()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	want := []string{SheetSummary, SheetOutline, SheetKeyTerms, SheetChecklist, SheetQuiz}
	got := f.GetSheetList()
	if len(got) != len(want) {
		t.Fatalf("sheets = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sheets = %v, want %v", got, want)
		}
	}

	rows, err := f.GetRows(SheetQuiz)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][1] != "Question" || rows[2][1] != "What is osmosis?" || rows[2][2] != "Water diffusion" {
		t.Fatalf("quiz rows = %v", rows)
	}

	summary, _ := f.GetRows(SheetSummary)
	if summary[1][1] != "Cell Biology" || summary[len(summary)-1][1] != "openai" {
		t.Fatalf("summary rows = %v", summary)
	}

	terms, _ := f.GetRows(SheetKeyTerms)
	if len(terms) != 3 || terms[1][0] != "lipid" {
		t.Fatalf("key term rows = %v", terms)
	}
}

func TestWorkbookWithoutNote(t *testing.T) {
	_, err := Workbook(&types.Job{ID: "j", Stage: types.StageDone})
	if !errors.Is(err, ErrNoNote) || !types.IsKind(err, types.KindInput) {
		t.Fatalf("err = %v", err)
	}
}
