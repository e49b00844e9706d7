// Package ingest turns uploaded bytes into parent and child chunks.
package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Extraction is the text of a document plus whatever descriptive fields the
// file format carries.
type Extraction struct {
	Text    string
	Title   string
	Author  string
	Subject string
	Pages   int
}

var contentTypes = map[string]string{
	".pdf":      "application/pdf",
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".json":     "application/json",
	".html":     "text/html",
	".htm":      "text/html",
}

// Supported reports whether filename has an extension the extractor reads.
func Supported(filename string) bool {
	_, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// ContentType returns the MIME type for a supported filename.
func ContentType(filename string) string {
	return contentTypes[strings.ToLower(filepath.Ext(filename))]
}

// Extractor reads text out of the supported upload formats.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(filename string, data []byte) (*Extraction, error) {
	var (
		out *Extraction
		err error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		out, err = extractPDF(data)
	case ".txt", ".md", ".markdown":
		out, err = extractPlain(data)
	case ".csv":
		out, err = extractCSV(data)
	case ".json":
		out, err = extractJSON(data)
	case ".html", ".htm":
		out, err = extractHTML(data)
	default:
		return nil, domain.ErrUnsupportedFileType
	}
	if err != nil {
		return nil, domain.ErrTextExtraction.Wrap(err)
	}

	out.Text = strings.TrimSpace(norm.NFC.String(out.Text))
	if out.Text == "" {
		return nil, domain.ErrEmptyDocument
	}
	return out, nil
}

func extractPlain(data []byte) (*Extraction, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("file is not valid UTF-8 text")
	}
	return &Extraction{Text: string(data)}, nil
}

func extractPDF(data []byte) (*Extraction, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return nil, fmt.Errorf("read pdf buffer: %w", err)
	}

	info := r.Trailer().Key("Info")
	return &Extraction{
		Text:    buf.String(),
		Title:   strings.TrimSpace(info.Key("Title").Text()),
		Author:  strings.TrimSpace(info.Key("Author").Text()),
		Subject: strings.TrimSpace(info.Key("Subject").Text()),
		Pages:   r.NumPage(),
	}, nil
}

func extractCSV(data []byte) (*Extraction, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	var sb strings.Builder
	for _, rec := range records {
		sb.WriteString(strings.Join(rec, " | "))
		sb.WriteByte('\n')
	}
	return &Extraction{Text: sb.String()}, nil
}

func extractJSON(data []byte) (*Extraction, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Extraction{Text: string(pretty)}, nil
}

// extractHTML keeps visible text and the document title.
func extractHTML(data []byte) (*Extraction, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var (
		sb      strings.Builder
		title   string
		skip    int
		inTitle bool
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("parse html: %w", err)
			}
			return &Extraction{Text: sb.String(), Title: title}, nil
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skip++
			case "title":
				inTitle = true
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			case "title":
				inTitle = false
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.TrimSpace(string(z.Text()))
			if text == "" {
				continue
			}
			if inTitle {
				title = text
				continue
			}
			sb.WriteString(text)
			sb.WriteByte(' ')
		}
	}
}
