// Package export renders a finished note as an xlsx study sheet.
package export

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"voice-notes-go/internal/types"
)

// ErrNoNote means the job has no structured note to export yet.
var ErrNoNote = &types.Error{Kind: types.KindInput, Op: "export", Err: errors.New("job has no structured note")}

const (
	SheetSummary   = "Summary"
	SheetOutline   = "Outline"
	SheetKeyTerms  = "Key Terms"
	SheetChecklist = "Checklist"
	SheetQuiz      = "Quiz"
)

// Workbook builds the study sheet for a done job.
func Workbook(j *types.Job) (*excelize.File, error) {
	if j == nil || j.Note == nil {
		return nil, ErrNoNote
	}
	n := j.Note

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetOutline, SheetKeyTerms, SheetChecklist, SheetQuiz} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, fmt.Errorf("new sheet %s: %w", name, err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("style: %w", err)
	}

	w := &sheetWriter{f: f, bold: bold}

	// Summary: title, tl;dr lines and provenance.
	w.header(SheetSummary, "Field", "Value")
	w.row(SheetSummary, "Title", n.Title)
	w.row(SheetSummary, "Job", j.ID)
	for _, line := range n.TLDR {
		w.row(SheetSummary, "TL;DR", line)
	}
	phases := make([]string, 0, len(j.Provenance))
	for k := range j.Provenance {
		phases = append(phases, k)
	}
	sort.Strings(phases)
	for _, k := range phases {
		w.row(SheetSummary, "Provider "+k, j.Provenance[k])
	}

	w.header(SheetOutline, "Section", "Point")
	for _, o := range n.Outline {
		for _, b := range o.Bullets {
			w.row(SheetOutline, o.Heading, b)
		}
	}

	w.header(SheetKeyTerms, "Term", "Definition")
	for _, kt := range n.KeyTerms {
		w.row(SheetKeyTerms, kt.Term, kt.Definition)
	}

	w.header(SheetChecklist, "#", "Item", "Done")
	for i, c := range n.ReviewChecklist {
		w.row(SheetChecklist, i+1, c, "")
	}

	w.header(SheetQuiz, "#", "Question", "Answer")
	for i, q := range n.Quiz {
		w.row(SheetQuiz, i+1, q.Q, q.A)
	}

	if w.err != nil {
		f.Close()
		return nil, w.err
	}
	for _, name := range []string{SheetSummary, SheetOutline, SheetKeyTerms, SheetChecklist, SheetQuiz} {
		_ = f.SetColWidth(name, "A", "A", 24)
		_ = f.SetColWidth(name, "B", "C", 60)
	}
	return f, nil
}

// Write streams the study sheet of j to out.
func Write(out io.Writer, j *types.Job) error {
	f, err := Workbook(j)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// sheetWriter appends rows per sheet and keeps the first error.
type sheetWriter struct {
	f    *excelize.File
	bold int
	next map[string]int
	err  error
}

func (w *sheetWriter) put(sheet string, values []any) int {
	if w.next == nil {
		w.next = map[string]int{}
	}
	w.next[sheet]++
	r := w.next[sheet]
	if w.err != nil {
		return r
	}
	cell, err := excelize.CoordinatesToCellName(1, r)
	if err == nil {
		err = w.f.SetSheetRow(sheet, cell, &values)
	}
	if err != nil {
		w.err = fmt.Errorf("sheet %s row %d: %w", sheet, r, err)
	}
	return r
}

func (w *sheetWriter) header(sheet string, cols ...any) {
	r := w.put(sheet, cols)
	if w.err != nil {
		return
	}
	first, _ := excelize.CoordinatesToCellName(1, r)
	last, _ := excelize.CoordinatesToCellName(len(cols), r)
	if err := w.f.SetCellStyle(sheet, first, last, w.bold); err != nil {
		w.err = fmt.Errorf("style %s: %w", sheet, err)
	}
}

func (w *sheetWriter) row(sheet string, cols ...any) {
	w.put(sheet, cols)
}
