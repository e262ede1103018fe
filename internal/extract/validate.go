package extract

import (
	"regexp"
	"strings"
	"time"
)

const (
	maxParties = 25
	maxDates   = 40
)

// Party is a named participant in a document.
type Party struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// DateFact is a dated event mentioned in a document.
type DateFact struct {
	Date        string `json:"date"`
	Description string `json:"description"`
}

// Fields is the structured summary stored on a processed document.
type Fields struct {
	Parties      []Party    `json:"parties"`
	Dates        []DateFact `json:"dates"`
	Court        string     `json:"court"`
	CaseNumber   string     `json:"case_number"`
	DocumentType string     `json:"document_type"`
}

var validRoles = map[string]bool{
	"plaintiff":  true,
	"defendant":  true,
	"petitioner": true,
	"respondent": true,
	"appellant":  true,
	"appellee":   true,
	"witness":    true,
	"counsel":    true,
	"other":      true,
}

var validDocTypes = map[string]bool{
	"complaint":  true,
	"answer":     true,
	"motion":     true,
	"brief":      true,
	"order":      true,
	"judgment":   true,
	"contract":   true,
	"letter":     true,
	"memo":       true,
	"transcript": true,
	"exhibit":    true,
	"other":      true,
}

var injectionPattern = regexp.MustCompile(
	`(?i)(ignore\s+(previous|all|above)|system\s*prompt|you\s+are\s+now|` +
		`act\s+as\s+|pretend\s+|forget\s+(everything|all)|override|` +
		`new\s+instructions)`,
)

// ValidateFields sanitizes f in place. It drops entries that are malformed
// or look like prompt injection and reports whether anything useful remains.
func ValidateFields(f *Fields) bool {
	if f == nil {
		return false
	}

	parties := f.Parties[:0]
	for _, p := range f.Parties {
		p.Name = strings.TrimSpace(p.Name)
		if !cleanValue(p.Name, 2, 200) {
			continue
		}
		p.Role = strings.ToLower(strings.TrimSpace(p.Role))
		if !validRoles[p.Role] {
			p.Role = "other"
		}
		parties = append(parties, p)
		if len(parties) == maxParties {
			break
		}
	}
	f.Parties = parties

	dates := f.Dates[:0]
	for _, d := range f.Dates {
		d.Date = strings.TrimSpace(d.Date)
		if _, err := time.Parse(time.DateOnly, d.Date); err != nil {
			continue
		}
		d.Description = strings.TrimSpace(d.Description)
		if injectionPattern.MatchString(d.Description) {
			continue
		}
		d.Description = truncate(d.Description, 120)
		dates = append(dates, d)
		if len(dates) == maxDates {
			break
		}
	}
	f.Dates = dates

	f.Court = strings.TrimSpace(f.Court)
	if !cleanValue(f.Court, 2, 200) {
		f.Court = ""
	}
	f.CaseNumber = strings.TrimSpace(f.CaseNumber)
	if !cleanValue(f.CaseNumber, 1, 100) {
		f.CaseNumber = ""
	}
	f.DocumentType = strings.ToLower(strings.TrimSpace(f.DocumentType))
	if !validDocTypes[f.DocumentType] {
		f.DocumentType = ""
	}

	return len(f.Parties) > 0 || len(f.Dates) > 0 ||
		f.Court != "" || f.CaseNumber != "" || f.DocumentType != ""
}

func cleanValue(s string, minLen, maxLen int) bool {
	if len(s) < minLen || len(s) > maxLen {
		return false
	}
	return !injectionPattern.MatchString(s)
}
