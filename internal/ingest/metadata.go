package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloo-solutions/docrag/internal/domain"
)

const (
	notFound = "Not found"
	// metadataInputRunes bounds how much of the document the extractor sees.
	metadataInputRunes = 6000
	metadataMaxTokens  = 1024
)

const metadataPrompt = `You are a document metadata extractor. Analyze the provided document text and extract key metadata.

Extract the following information if available:
- Title: The title of the document/paper/article
- Author(s): Names of all authors (comma-separated)
- Institution(s): Universities, companies, or organizations
- Date/Year: Publication or creation date
- Abstract: A brief summary (if explicitly present)
- Keywords: Key topics or terms
- Document Type: paper, thesis, report, article, manual, etc.

IMPORTANT RULES:
1. Only extract information that is EXPLICITLY stated in the text
2. If information is not found, use "Not found" for that field
3. For authors, list ALL names you can find
4. Be precise - don't guess or infer

Respond in this exact format (keep the field names exactly as shown):
Title: [extracted title or "Not found"]
Author(s): [names or "Not found"]
Institution(s): [names or "Not found"]
Date/Year: [date or "Not found"]
Abstract: [abstract text or "Not found"]
Keywords: [keywords or "Not found"]
Document Type: [type or "Not found"]`

// Metadata describes a document. Missing fields hold "Not found".
type Metadata struct {
	Title        string
	Authors      string
	Institutions string
	Date         string
	Abstract     string
	Keywords     string
	DocumentType string
}

func emptyMetadata() Metadata {
	return Metadata{
		Title:        notFound,
		Authors:      notFound,
		Institutions: notFound,
		Date:         notFound,
		Abstract:     notFound,
		Keywords:     notFound,
		DocumentType: notFound,
	}
}

// Completer is the one-shot LLM call used for extraction.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// MetadataExtractor asks the LLM for bibliographic fields and falls back to
// whatever the file itself declares.
type MetadataExtractor struct {
	llm Completer
}

// NewMetadataExtractor returns an extractor. A nil llm always uses the fallback.
func NewMetadataExtractor(llm Completer) *MetadataExtractor {
	return &MetadataExtractor{llm: llm}
}

func (m *MetadataExtractor) Extract(ctx context.Context, filename string, ex *Extraction) Metadata {
	if m.llm == nil {
		return fallbackMetadata(ex)
	}

	text := ex.Text
	if r := []rune(text); len(r) > metadataInputRunes {
		text = string(r[:metadataInputRunes])
	}

	user := fmt.Sprintf("Filename: %s%s\n\nDocument text (first pages):\n\n%s", filename, pdfContext(ex), text)
	resp, err := m.llm.Complete(ctx, domain.CompletionRequest{
		Turns: []domain.Turn{
			{Role: domain.RoleSystem, Content: metadataPrompt},
			{Role: domain.RoleUser, Content: user},
		},
		MaxTokens: metadataMaxTokens,
		Exact:     true,
	})
	if err != nil {
		log.Printf("ingest: metadata extraction for %s failed, using file info: %v", filename, err)
		return fallbackMetadata(ex)
	}
	return ParseMetadata(resp)
}

func pdfContext(ex *Extraction) string {
	var parts []string
	if ex.Title != "" {
		parts = append(parts, "PDF Title: "+ex.Title)
	}
	if ex.Author != "" {
		parts = append(parts, "PDF Author: "+ex.Author)
	}
	if ex.Subject != "" {
		parts = append(parts, "PDF Subject: "+ex.Subject)
	}
	if ex.Pages > 0 {
		parts = append(parts, fmt.Sprintf("Total Pages: %d", ex.Pages))
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n\nPDF Metadata:\n" + strings.Join(parts, "\n")
}

func fallbackMetadata(ex *Extraction) Metadata {
	md := emptyMetadata()
	if ex == nil {
		return md
	}
	if ex.Title != "" {
		md.Title = ex.Title
	}
	if ex.Author != "" {
		md.Authors = ex.Author
	}
	return md
}

// fieldPrefixes is checked in order; longer prefixes come first.
var fieldPrefixes = []struct {
	prefix string
	field  func(*Metadata) *string
}{
	{"title:", func(m *Metadata) *string { return &m.Title }},
	{"author(s):", func(m *Metadata) *string { return &m.Authors }},
	{"author:", func(m *Metadata) *string { return &m.Authors }},
	{"institution(s):", func(m *Metadata) *string { return &m.Institutions }},
	{"institution:", func(m *Metadata) *string { return &m.Institutions }},
	{"date/year:", func(m *Metadata) *string { return &m.Date }},
	{"date:", func(m *Metadata) *string { return &m.Date }},
	{"year:", func(m *Metadata) *string { return &m.Date }},
	{"abstract:", func(m *Metadata) *string { return &m.Abstract }},
	{"keywords:", func(m *Metadata) *string { return &m.Keywords }},
	{"document type:", func(m *Metadata) *string { return &m.DocumentType }},
	{"type:", func(m *Metadata) *string { return &m.DocumentType }},
}

// ParseMetadata reads the "Field: value" response format. Lines without a
// known prefix continue the previous field.
func ParseMetadata(resp string) Metadata {
	md := emptyMetadata()
	var current *string
	var value []string

	flush := func() {
		if current != nil && len(value) > 0 {
			*current = strings.TrimSpace(strings.Join(value, " "))
		}
	}

	for _, line := range strings.Split(strings.TrimSpace(resp), "\n") {
		lower := strings.ToLower(strings.TrimSpace(line))
		matched := false
		for _, fp := range fieldPrefixes {
			if !strings.HasPrefix(lower, fp.prefix) {
				continue
			}
			flush()
			current = fp.field(&md)
			value = nil
			if v := strings.TrimSpace(strings.TrimSpace(line)[len(fp.prefix):]); v != "" {
				value = append(value, v)
			}
			matched = true
			break
		}
		if !matched && current != nil && strings.TrimSpace(line) != "" {
			value = append(value, strings.TrimSpace(line))
		}
	}
	flush()
	return md
}

func found(v string) bool {
	return v != "" && v != notFound
}

// RenderMetadata builds the searchable metadata block. Author, affiliation and
// date lines are phrased several ways so that questions like "who wrote this"
// match the block.
func RenderMetadata(md Metadata, filename string) string {
	parts := []string{
		"=== DOCUMENT METADATA ===",
		"Filename: " + filename,
	}
	if found(md.Title) {
		parts = append(parts, "Title: "+md.Title)
	}
	if found(md.Authors) {
		parts = append(parts,
			"Author(s): "+md.Authors,
			"This document was written by: "+md.Authors,
			"The author of this paper is: "+md.Authors,
		)
	}
	if found(md.Institutions) {
		parts = append(parts, "Institution(s): "+md.Institutions, "Affiliation: "+md.Institutions)
	}
	if found(md.Date) {
		parts = append(parts, "Date/Year: "+md.Date, "Published: "+md.Date)
	}
	if found(md.DocumentType) {
		parts = append(parts, "Document Type: "+md.DocumentType)
	}
	if found(md.Keywords) {
		parts = append(parts, "Keywords: "+md.Keywords)
	}
	if found(md.Abstract) {
		parts = append(parts, "\nAbstract:\n"+md.Abstract)
	}
	parts = append(parts, "=== END METADATA ===")
	return strings.Join(parts, "\n")
}
