package chunker

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dgallion1/docdraft/internal/doctree"
)

// DefaultSeparators are tried in order when shortening a window. The empty
// separator means "cut anywhere".
var DefaultSeparators = []string{"\n\n", ". ", "; ", "\n", " ", ""}

const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 200
	DefaultMinChunk     = 100
)

// Config controls chunking behavior. Sizes are in characters (runes).
type Config struct {
	ChunkSize    int // Maximum chunk length.
	ChunkOverlap int // Overlap between consecutive windows.
	MinChunk     int // Chunks shorter than this are merged with their successors.
	Separators   []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		MinChunk:     DefaultMinChunk,
		Separators:   DefaultSeparators,
	}
}

func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = 0
	}
	if c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize - 1
	}
	if c.MinChunk < 0 {
		c.MinChunk = 0
	}
	if c.Separators == nil {
		c.Separators = DefaultSeparators
	}
	return c
}

// piece is a trimmed chunk plus the rune span it came from.
type piece struct {
	text       string
	start, end int
}

// Split breaks text into overlapping chunks of at most chunkSize characters.
// Small trailing fragments are merged using DefaultMinChunk.
func Split(text string, chunkSize, chunkOverlap int, separators []string) []string {
	if separators == nil {
		separators = []string{}
	}
	cfg := Config{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		MinChunk:     DefaultMinChunk,
		Separators:   separators,
	}
	return cfg.Split(text)
}

// Split breaks text according to the config.
func (c Config) Split(text string) []string {
	pieces := c.normalized().pieces([]rune(text))
	out := make([]string, len(pieces))
	for i, p := range pieces {
		out[i] = p.text
	}
	return out
}

func (c Config) pieces(runes []rune) []piece {
	if strings.TrimSpace(string(runes)) == "" {
		return nil
	}
	if len(runes) <= c.ChunkSize {
		p, ok := trimmedPiece(runes, 0, len(runes))
		if !ok {
			return nil
		}
		return []piece{p}
	}
	return mergeSmall(window(runes, c.ChunkSize, c.ChunkOverlap, c.Separators), c.MinChunk, c.ChunkSize)
}

// window slides a chunkSize window over runes. Windows that stop short of
// the end are pulled back to the last separator found past the midpoint.
func window(runes []rune, size, overlap int, separators []string) []piece {
	n := len(runes)
	var out []piece
	start := 0
	for start < n {
		end := start + size
		if end >= n {
			end = n
		} else {
			end = backtrack(runes, start, end, size, separators)
		}

		if p, ok := trimmedPiece(runes, start, end); ok {
			out = append(out, p)
		}
		if end == n {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}

func backtrack(runes []rune, start, end, size int, separators []string) int {
	w := string(runes[start:end])
	half := size / 2
	for _, sep := range separators {
		if sep == "" {
			return end
		}
		idx := strings.LastIndex(w, sep)
		if idx < 0 {
			continue
		}
		cut := utf8.RuneCountInString(w[:idx]) + utf8.RuneCountInString(sep)
		if cut > half {
			return start + cut
		}
	}
	return end
}

func trimmedPiece(runes []rune, start, end int) (piece, bool) {
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	if start == end {
		return piece{}, false
	}
	return piece{text: string(runes[start:end]), start: start, end: end}, true
}

// MergeSmallChunks folds consecutive chunks shorter than minSize into a
// running buffer, emitting the buffer once it reaches minSize. Only the final
// chunk may be shorter than minSize.
func MergeSmallChunks(chunks []string, minSize int) []string {
	pieces := make([]piece, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c) == "" {
			continue
		}
		pieces = append(pieces, piece{text: strings.TrimSpace(c)})
	}
	merged := mergeSmall(pieces, minSize, 0)
	out := make([]string, len(merged))
	for i, p := range merged {
		out[i] = p.text
	}
	return out
}

// mergeSmall is MergeSmallChunks with an optional length cap. When appending
// the next chunk would exceed maxSize the buffer is flushed as is.
func mergeSmall(pieces []piece, minSize, maxSize int) []piece {
	var out []piece
	var buf piece
	has := false
	for _, p := range pieces {
		switch {
		case !has:
			buf = p
			has = true
		case maxSize > 0 && runeLen(buf.text)+1+runeLen(p.text) > maxSize:
			out = append(out, buf)
			buf = p
		default:
			buf.text += " " + p.text
			buf.end = p.end
		}
		if runeLen(buf.text) >= minSize {
			out = append(out, buf)
			has = false
		}
	}
	if has {
		out = append(out, buf)
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// ChunkPages joins extracted page records and splits them, mapping each
// chunk back to the pages and heading it was cut from.
func ChunkPages(pages []doctree.PageText, cfg Config) []doctree.Chunk {
	cfg = cfg.normalized()

	type bound struct{ start, page int }
	var (
		sb     strings.Builder
		bounds []bound
		recs   []doctree.PageText
		pos    int
	)
	for _, p := range pages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
			pos += 2
		}
		bounds = append(bounds, bound{start: pos, page: len(recs)})
		recs = append(recs, p)
		sb.WriteString(text)
		pos += runeLen(text)
	}
	if len(recs) == 0 {
		return nil
	}

	recordAt := func(at int) doctree.PageText {
		i := sort.Search(len(bounds), func(i int) bool { return bounds[i].start > at }) - 1
		if i < 0 {
			i = 0
		}
		return recs[bounds[i].page]
	}

	pieces := cfg.pieces([]rune(sb.String()))
	chunks := make([]doctree.Chunk, 0, len(pieces))
	for i, p := range pieces {
		first := recordAt(p.start)
		last := recordAt(p.end - 1)
		chunks = append(chunks, doctree.Chunk{
			Content:    p.text,
			Index:      i,
			TokenCount: EstimateTokens(p.text),
			PageStart:  pageRef(first.PageStart),
			PageEnd:    pageRef(last.PageEnd),
			Heading:    first.Heading,
		})
	}
	return chunks
}

func pageRef(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
