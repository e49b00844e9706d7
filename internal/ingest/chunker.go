package ingest

import (
	"strings"
	"unicode"

	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/domain"
)

// Chunks is the parent/child split of one document.
type Chunks struct {
	Parents  []domain.ParentChunk
	Children []domain.ChildChunk
}

// Split cuts text into parent windows and each parent into child windows.
// A non-empty metadata block becomes parent 0 with a single metadata child,
// and body parents are numbered after it. Child indexes are unique within the
// document.
func Split(documentID, text, metadata string, cfg config.ChunkingPolicy) Chunks {
	var out Chunks
	offset := 0
	next := 0

	if strings.TrimSpace(metadata) != "" {
		ref := domain.ParentRef{DocumentID: documentID, Index: domain.MetadataParentIndex}
		out.Parents = append(out.Parents, domain.ParentChunk{Ref: ref, Text: metadata, Section: domain.SectionMetadata})
		out.Children = append(out.Children, domain.ChildChunk{
			DocumentID: documentID,
			ParentID:   ref.Index,
			Index:      next,
			Text:       metadata,
			Section:    domain.SectionMetadata,
			IsMetadata: true,
		})
		offset = 1
		next++
	}

	for i, parentText := range windows(text, cfg.ParentSize, cfg.ParentOverlap) {
		ref := domain.ParentRef{DocumentID: documentID, Index: i + offset}
		out.Parents = append(out.Parents, domain.ParentChunk{Ref: ref, Text: parentText, Section: domain.SectionBody})

		for _, childText := range windows(parentText, cfg.ChildSize, cfg.ChildOverlap) {
			out.Children = append(out.Children, domain.ChildChunk{
				DocumentID: documentID,
				ParentID:   ref.Index,
				Index:      next,
				Text:       childText,
				Section:    domain.SectionBody,
			})
			next++
		}
	}

	return out
}

// windows splits text into overlapping rune windows of at most size runes,
// preferring to cut at whitespace in the back half of a window.
func windows(text string, size, overlap int) []string {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return nil
	}
	if size <= 0 {
		return []string{clean}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(clean)
	if len(runes) <= size {
		return []string{clean}
	}

	chunks := make([]string, 0, len(runes)/(size-overlap)+1)
	start := 0
	for start < len(runes) {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}

		if end < len(runes) {
			minCut := start + size/2
			for i := end; i > minCut; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		if end >= len(runes) {
			break
		}

		nextStart := end - overlap
		if nextStart <= start {
			nextStart = end
		}
		start = nextStart
	}

	return chunks
}
