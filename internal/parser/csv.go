package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/dgallion1/docdraft/internal/doctree"
)

// csvRowsPerSection groups rows so each section stays near one chunk.
const csvRowsPerSection = 20

// CSVParser handles CSV files such as exhibit lists and billing exports. Each
// group of non-empty data rows becomes a section headed by its row span,
// counted from 1 after the header, with every cell labelled by its column.
// Rows may be ragged.
type CSVParser struct{}

func (p *CSVParser) Parse(r io.Reader, filename string) (*doctree.DocTree, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	tree := &doctree.DocTree{
		Title: titleFromFilename(filename),
	}

	if len(records) == 0 {
		return tree, nil
	}

	// First row is headers.
	headers := records[0]

	var dataRows [][]string
	for _, row := range records[1:] {
		if csvRow(headers, row) != "" {
			dataRows = append(dataRows, row)
		}
	}

	for i := 0; i < len(dataRows); i += csvRowsPerSection {
		end := i + csvRowsPerSection
		if end > len(dataRows) {
			end = len(dataRows)
		}
		batch := dataRows[i:end]

		var text strings.Builder
		for _, row := range batch {
			text.WriteString(csvRow(headers, row))
			text.WriteString("\n")
		}

		tree.Children = append(tree.Children, &doctree.DocNode{
			Title: fmt.Sprintf("Rows %d-%d", i+1, end),
			Text:  strings.TrimSuffix(text.String(), "\n"),
		})
	}

	return tree, nil
}

func csvRow(headers, row []string) string {
	cells := make([]string, 0, len(row))
	for j, cell := range row {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		if j < len(headers) && headers[j] != "" {
			cells = append(cells, headers[j]+": "+cell)
		} else {
			cells = append(cells, cell)
		}
	}
	return strings.Join(cells, "; ")
}
