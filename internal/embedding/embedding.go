// Package embedding turns text into fixed-dimension vectors through an eino
// embedding model. The same service embeds chunks at ingestion time and
// queries at retrieval time, so both sides share cleaning and truncation.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/components/embedding"
	"golang.org/x/time/rate"
)

// ErrEmptyText is returned when an input has no content left after cleaning.
var ErrEmptyText = errors.New("embedding: empty text")

// Config tunes request shaping.
type Config struct {
	MaxChars          int     // inputs are truncated to this many runes
	BatchSize         int     // texts per provider request
	RequestsPerSecond float64 // zero disables the limiter
	Burst             int
}

// DefaultConfig matches the limits of common OpenAI-compatible providers.
func DefaultConfig() Config {
	return Config{
		MaxChars:          8000,
		BatchSize:         64,
		RequestsPerSecond: 5,
		Burst:             2,
	}
}

// Service embeds text with a wrapped eino embedder.
type Service struct {
	embedder embedding.Embedder
	cfg      Config
	limiter  *rate.Limiter
	log      *slog.Logger
}

func NewService(embedder embedding.Embedder, cfg Config, log *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Service{embedder: embedder, cfg: cfg, limiter: limiter, log: log}
}

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, in input order. Inputs are
// cleaned and truncated first; an input that cleans to nothing fails the
// whole batch.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	cleaned := make([]string, len(texts))
	for i, t := range texts {
		cleaned[i] = Clean(t, s.cfg.MaxChars)
		if cleaned[i] == "" {
			return nil, fmt.Errorf("text %d: %w", i, ErrEmptyText)
		}
	}

	out := make([][]float32, 0, len(texts))
	dim := 0
	for start := 0; start < len(cleaned); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(cleaned))
		batch := cleaned[start:end]

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		vectors, err := s.embedder.EmbedStrings(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embed batch %d-%d: got %d vectors for %d texts", start, end, len(vectors), len(batch))
		}
		for i, vec := range vectors {
			if len(vec) == 0 {
				return nil, fmt.Errorf("embed text %d: empty vector", start+i)
			}
			if dim == 0 {
				dim = len(vec)
			} else if len(vec) != dim {
				return nil, fmt.Errorf("embed text %d: dimension %d, want %d", start+i, len(vec), dim)
			}
			out = append(out, toFloat32(vec))
		}
	}

	s.log.Debug("embedded texts", "count", len(out), "dim", dim)
	return out, nil
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}

// Clean collapses whitespace, drops control characters and truncates to
// maxChars runes. maxChars <= 0 disables truncation.
func Clean(text string, maxChars int) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	n := 0
	for _, r := range text {
		if maxChars > 0 && n >= maxChars {
			break
		}
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		if space {
			if maxChars > 0 && n+1 >= maxChars {
				break
			}
			b.WriteByte(' ')
			n++
			space = false
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
