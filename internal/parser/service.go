package parser

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dgallion1/docdraft/internal/doctree"
)

// PageRange selects pages by 1-based inclusive bounds. The zero value
// selects the whole document.
type PageRange struct {
	First int
	Last  int
}

// Contains reports whether page n falls inside the range.
func (r PageRange) Contains(n int) bool {
	if r.First > 0 && n < r.First {
		return false
	}
	if r.Last > 0 && n > r.Last {
		return false
	}
	return true
}

// Service extracts page-wise text from uploaded documents.
type Service struct {
	pdf *PDFParser
}

func NewService() *Service {
	return &Service{pdf: &PDFParser{FallbackPdftotext: true}}
}

// SetPDFFallback toggles shelling out to pdftotext when the native PDF
// reader fails.
func (s *Service) SetPDFFallback(on bool) {
	s.pdf.FallbackPdftotext = on
}

// PageCount returns the number of pages in the document. Formats without
// pagination report the number of pages their parser assigns, which is 1
// unless the text carries form feeds.
func (s *Service) PageCount(data []byte, mime string) (int, error) {
	if normalizeMime(mime) == MimePDF {
		return s.pdf.PageCount(data)
	}
	pages, err := s.parse(data, mime)
	if err != nil {
		return 0, err
	}
	n := 1
	for _, p := range pages {
		if p.PageEnd > n {
			n = p.PageEnd
		}
	}
	return n, nil
}

// Extract returns the text records for the pages in pr, in document order.
func (s *Service) Extract(ctx context.Context, data []byte, mime string, pr PageRange) ([]doctree.PageText, error) {
	if normalizeMime(mime) == MimePDF {
		return s.pdf.ExtractRange(ctx, data, pr.First, pr.Last)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pages, err := s.parse(data, mime)
	if err != nil {
		return nil, err
	}
	out := pages[:0]
	for _, p := range pages {
		if pr.Contains(p.PageStart) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) parse(data []byte, mime string) ([]doctree.PageText, error) {
	p, err := ForMime(mime)
	if err != nil {
		return nil, err
	}
	tree, err := p.Parse(bytes.NewReader(data), "")
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", normalizeMime(mime), err)
	}
	return tree.Pages(), nil
}
