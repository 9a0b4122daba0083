package summarizer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"voice-notes-go/internal/types"
)

// SlicePart is the summarized form of one transcript slice.
type SlicePart struct {
	Title    string
	Markdown string
	// Provenance maps a phase name to the provider marker(s) that served it.
	Provenance map[string]string
}

// ProviderLabel flattens provenance for storage next to the part.
func (p SlicePart) ProviderLabel() string {
	keys := make([]string, 0, len(p.Provenance))
	for k := range p.Provenance {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+p.Provenance[k])
	}
	return strings.Join(out, ";")
}

// SummarizeSlice outlines one slice, writes notes for each section and
// renders them to markdown.
func (e *Engine) SummarizeSlice(ctx context.Context, text string) (SlicePart, error) {
	outline, err := e.Outline(ctx, text)
	if err != nil {
		return SlicePart{}, err
	}

	sections := outline.Value.Sections
	notes := make([]*types.SectionNotes, 0, len(sections))
	markers := map[string]bool{}
	for _, s := range sections {
		res, err := e.SectionNotes(ctx, s)
		if err != nil {
			return SlicePart{}, fmt.Errorf("section %s: %w", s.ID, err)
		}
		notes = append(notes, res.Value)
		markers[res.Marker()] = true
	}

	used := make([]string, 0, len(markers))
	for m := range markers {
		used = append(used, m)
	}
	sort.Strings(used)

	return SlicePart{
		Title:    outline.Value.Title,
		Markdown: RenderSections(notes),
		Provenance: map[string]string{
			PhaseOutline: outline.Marker(),
			PhaseSection: strings.Join(used, ","),
		},
	}, nil
}

// RenderSections writes section notes as markdown, one H2 per section.
func RenderSections(notes []*types.SectionNotes) string {
	var b strings.Builder
	for i, n := range notes {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s\n\n", n.Heading)
		for _, bullet := range n.Bullets {
			fmt.Fprintf(&b, "- %s\n", bullet)
		}
		if len(n.KeyTerms) > 0 {
			b.WriteString("\n**Key terms**\n\n")
			for _, kt := range n.KeyTerms {
				fmt.Fprintf(&b, "- **%s**: %s\n", kt.Term, kt.Definition)
			}
		}
		if len(n.Examples) > 0 {
			b.WriteString("\n**Examples**\n\n")
			for _, ex := range n.Examples {
				fmt.Fprintf(&b, "- %s\n", ex)
			}
		}
		if len(n.ActionItems) > 0 {
			b.WriteString("\n**Action items**\n\n")
			for _, a := range n.ActionItems {
				fmt.Fprintf(&b, "- [ ] %s\n", a)
			}
		}
	}
	return b.String()
}

// RenderNote builds markdown from the structured fields of a final note.
func RenderNote(n *types.FinalNote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n## TL;DR\n\n", n.Title)
	for _, t := range n.TLDR {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	for _, o := range n.Outline {
		fmt.Fprintf(&b, "\n## %s\n\n", o.Heading)
		for _, bullet := range o.Bullets {
			fmt.Fprintf(&b, "- %s\n", bullet)
		}
	}
	b.WriteString("\n## Key terms\n\n")
	for _, kt := range n.KeyTerms {
		fmt.Fprintf(&b, "- **%s**: %s\n", kt.Term, kt.Definition)
	}
	b.WriteString("\n## Review checklist\n\n")
	for _, c := range n.ReviewChecklist {
		fmt.Fprintf(&b, "- [ ] %s\n", c)
	}
	b.WriteString("\n## Quiz\n\n")
	for i, q := range n.Quiz {
		fmt.Fprintf(&b, "%d. %s\n   - %s\n", i+1, q.Q, q.A)
	}
	return b.String()
}
