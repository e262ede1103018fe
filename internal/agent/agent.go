// Package agent defines the call contract between the orchestrator and its
// collaborators.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Payload is the request and response body of an agent call.
type Payload map[string]any

// Agent is an opaque collaborator. Implementations must not retain the
// request payload after Call returns.
type Agent interface {
	Call(ctx context.Context, req Payload) (Payload, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, req Payload) (Payload, error)

func (f Func) Call(ctx context.Context, req Payload) (Payload, error) {
	return f(ctx, req)
}

// Has reports whether key is present, even with a nil value.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Text returns the value at key if it is a string.
func (p Payload) Text(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// Strings returns the value at key as a string slice. It accepts []string
// and the []any produced by JSON decoding.
func (p Payload) Strings(key string) ([]string, bool) {
	switch v := p[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case nil:
		if p.Has(key) {
			return []string{}, true
		}
	}
	return nil, false
}

// Vectors returns the value at key as float32 vectors. It accepts
// [][]float32, [][]float64 and JSON-decoded nested []any of numbers.
func (p Payload) Vectors(key string) ([][]float32, bool) {
	switch v := p[key].(type) {
	case [][]float32:
		return v, true
	case [][]float64:
		out := make([][]float32, len(v))
		for i, row := range v {
			out[i] = make([]float32, len(row))
			for j, x := range row {
				out[i][j] = float32(x)
			}
		}
		return out, true
	case []any:
		out := make([][]float32, 0, len(v))
		for _, row := range v {
			vec, ok := toVector(row)
			if !ok {
				return nil, false
			}
			out = append(out, vec)
		}
		return out, true
	case nil:
		if p.Has(key) {
			return [][]float32{}, true
		}
	}
	return nil, false
}

func toVector(v any) ([]float32, bool) {
	switch row := v.(type) {
	case []float32:
		return row, true
	case []any:
		vec := make([]float32, len(row))
		for i, x := range row {
			switch n := x.(type) {
			case float64:
				vec[i] = float32(n)
			case json.Number:
				f, err := n.Float64()
				if err != nil {
					return nil, false
				}
				vec[i] = float32(f)
			default:
				return nil, false
			}
		}
		return vec, true
	}
	return nil, false
}

// Summary describes a payload by key and value shape, without contents.
func (p Payload) Summary() string {
	if len(p) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k + ": " + shape(p[k]))
	}
	sb.WriteString("}")
	return sb.String()
}

func shape(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("string(%d)", len([]rune(x)))
	case []byte:
		return fmt.Sprintf("bytes(%d)", len(x))
	case []string:
		return fmt.Sprintf("[%d]string", len(x))
	case [][]float32:
		return fmt.Sprintf("[%d]vector", len(x))
	case []any:
		return fmt.Sprintf("[%d]", len(x))
	default:
		return fmt.Sprintf("%T", v)
	}
}
