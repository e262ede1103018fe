package doctree

import "strings"

// DocTree is the root of a parsed document.
type DocTree struct {
	Title    string     // Document title (from metadata or filename)
	Children []*DocNode // Top-level sections
}

// DocNode is a recursive section in the document tree.
type DocNode struct {
	Title    string     // Section heading (empty for leaf text)
	Text     string     // Text content of this node (may be empty for container nodes)
	Page     int        // Source page (0 if N/A)
	Children []*DocNode // Subsections
}

// PageText is one extracted text record. Paged formats emit one record per
// page; structured formats emit one record per headed section.
type PageText struct {
	Text      string
	PageStart int
	PageEnd   int
	Heading   string
}

// Chunk is a sized text segment with its source location, ready for embedding.
type Chunk struct {
	Content    string
	Index      int // Sequence number within document
	TokenCount int
	PageStart  *int
	PageEnd    *int
	Heading    string
}

// Pages flattens the tree into text records in document order. Each record
// carries the nearest enclosing heading. Nodes without a page number inherit
// the last page seen, or page 1.
func (t *DocTree) Pages() []PageText {
	var out []PageText
	lastPage := 1
	var walk func(nodes []*DocNode, heading string)
	walk = func(nodes []*DocNode, heading string) {
		for _, n := range nodes {
			h := heading
			if n.Title != "" {
				h = n.Title
			}
			if n.Page > 0 {
				lastPage = n.Page
			}
			if text := strings.TrimSpace(n.Text); text != "" {
				out = append(out, PageText{
					Text:      text,
					PageStart: lastPage,
					PageEnd:   lastPage,
					Heading:   h,
				})
			}
			walk(n.Children, h)
		}
	}
	walk(t.Children, "")
	return out
}

// JoinText concatenates record texts with blank lines, the same way the
// chunker lays them out.
func JoinText(pages []PageText) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
