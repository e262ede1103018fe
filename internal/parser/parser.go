package parser

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dgallion1/docdraft/internal/doctree"
)

// Parser converts raw document bytes into a DocTree.
type Parser interface {
	Parse(r io.Reader, filename string) (*doctree.DocTree, error)
}

// MIME types the extraction service understands.
const (
	MimePDF      = "application/pdf"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeMarkdown = "text/markdown"
	MimeHTML     = "text/html"
	MimeCSV      = "text/csv"
	MimeText     = "text/plain"
)

// mimeByExt maps supported file extensions to their MIME type.
var mimeByExt = map[string]string{
	".txt":      MimeText,
	".md":       MimeMarkdown,
	".markdown": MimeMarkdown,
	".csv":      MimeCSV,
	".html":     MimeHTML,
	".htm":      MimeHTML,
	".pdf":      MimePDF,
	".docx":     MimeDOCX,
}

// ForMime returns the parser for a MIME type. Parameters such as
// "; charset=utf-8" are ignored.
func ForMime(mime string) (Parser, error) {
	switch normalizeMime(mime) {
	case MimeText:
		return &TextParser{}, nil
	case MimeMarkdown:
		return &MarkdownParser{}, nil
	case MimeCSV:
		return &CSVParser{}, nil
	case MimeHTML:
		return &HTMLParser{}, nil
	case MimePDF:
		return &PDFParser{FallbackPdftotext: true}, nil
	case MimeDOCX:
		return &DOCXParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported mime type: %s", mime)
	}
}

// MimeForFile guesses a MIME type from the file extension, or "" when the
// extension is not supported.
func MimeForFile(filename string) string {
	return mimeByExt[strings.ToLower(filepath.Ext(filename))]
}

// IsSupportedExtension checks if a file extension is supported.
func IsSupportedExtension(filename string) bool {
	return MimeForFile(filename) != ""
}

// titleFromFilename drops the directory and extension, so "briefs/Reply.DOCX"
// becomes "Reply".
func titleFromFilename(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func normalizeMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}
