package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/dgallion1/docdraft/internal/doctree"
	pdflib "github.com/ledongthuc/pdf"
)

// PDFParser handles PDF files. It tries the Go library first,
// then falls back to pdftotext if available.
type PDFParser struct {
	FallbackPdftotext bool
}

func (p *PDFParser) Parse(r io.Reader, filename string) (*doctree.DocTree, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}
	pages, err := p.ExtractRange(context.Background(), data, 0, 0)
	if err != nil {
		return nil, err
	}

	tree := &doctree.DocTree{
		Title: titleFromFilename(filename),
	}
	for _, pg := range pages {
		tree.Children = append(tree.Children, &doctree.DocNode{
			Text: pg.Text,
			Page: pg.PageStart,
		})
	}
	return tree, nil
}

// PageCount reports the number of pages in a PDF.
func (p *PDFParser) PageCount(data []byte) (int, error) {
	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	return reader.NumPage(), nil
}

// ExtractRange returns one record per non-blank page in [first, last]. Page
// numbers are 1-based and inclusive; zero bounds mean the whole document.
func (p *PDFParser) ExtractRange(ctx context.Context, data []byte, first, last int) ([]doctree.PageText, error) {
	pages, err := extractPDFPages(ctx, data, first, last)
	if err != nil && p.FallbackPdftotext {
		pages, err = extractPdftotext(ctx, data, first, last)
	}
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}
	return pages, nil
}

func extractPDFPages(ctx context.Context, data []byte, first, last int) ([]doctree.PageText, error) {
	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	first, last = clampRange(first, last, reader.NumPage())

	var out []doctree.PageText
	for i := first; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		out = append(out, doctree.PageText{Text: text, PageStart: i, PageEnd: i})
	}
	return out, nil
}

// extractPdftotext shells out to poppler's pdftotext, which needs a real file.
func extractPdftotext(ctx context.Context, data []byte, first, last int) ([]doctree.PageText, error) {
	tmp, err := os.CreateTemp("", "docdraft-pdf-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	args := []string{"-layout"}
	if first > 0 {
		args = append(args, "-f", fmt.Sprint(first))
	} else {
		first = 1
	}
	if last > 0 {
		args = append(args, "-l", fmt.Sprint(last))
	}
	args = append(args, tmpPath, "-")

	out, err := exec.CommandContext(ctx, "pdftotext", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w", err)
	}

	var pages []doctree.PageText
	for i, text := range splitPages(string(out)) {
		if text = strings.TrimSpace(text); text == "" {
			continue
		}
		n := first + i
		pages = append(pages, doctree.PageText{Text: text, PageStart: n, PageEnd: n})
	}
	return pages, nil
}

func splitPages(text string) []string {
	return strings.Split(text, "\f")
}

// clampRange fits a 1-based inclusive range to a document of n pages.
func clampRange(first, last, n int) (int, int) {
	if first < 1 {
		first = 1
	}
	if last < 1 || last > n {
		last = n
	}
	return first, last
}
