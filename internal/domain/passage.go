package domain

import (
	"fmt"
	"strings"
)

// NeighborPosition marks passages pulled in next to an accepted parent
type NeighborPosition string

const (
	NeighborNone      NeighborPosition = ""
	NeighborPreceding NeighborPosition = "preceding"
	NeighborFollowing NeighborPosition = "following"
)

// Passage is an expanded context block handed to generation
type Passage struct {
	DocumentID string
	Filename   string
	ParentID   int
	Section    string
	Text       string
	Score      float64
	Neighbor   NeighborPosition
}

// Label renders the human readable source label of the passage.
func (p Passage) Label() string {
	parts := []string{p.Filename}
	if p.Section != "" && p.Section != SectionBody {
		parts = append(parts, "§ "+p.Section)
	}
	if p.Neighbor != NeighborNone {
		parts = append(parts, string(p.Neighbor)+" section")
	}
	parts = append(parts, fmt.Sprintf("(Relevance: %.0f%%)", p.Score*100))
	return strings.Join(parts, " - ")
}

// Source is the caller-facing reference to a passage
type Source struct {
	Label      string  `json:"label"`
	Content    string  `json:"content"`
	DocumentID string  `json:"document_id"`
	Document   string  `json:"document"`
	Section    string  `json:"section,omitempty"`
	Score      float64 `json:"score"`
}

const sourceExcerptRunes = 500

// Source converts the passage to a Source with a bounded excerpt
func (p Passage) Source() Source {
	excerpt := p.Text
	if r := []rune(excerpt); len(r) > sourceExcerptRunes {
		excerpt = string(r[:sourceExcerptRunes]) + "..."
	}
	return Source{
		Label:      p.Label(),
		Content:    excerpt,
		DocumentID: p.DocumentID,
		Document:   p.Filename,
		Section:    p.Section,
		Score:      p.Score,
	}
}
