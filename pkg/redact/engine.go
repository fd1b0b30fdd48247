// Package redact scrubs PII out of JSON-shaped values before they
// cross the trust boundary into storage. The engine rebuilds trees
// bottom-up; inputs are never mutated.
package redact

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

type Engine struct {
	detector Detector
}

func NewEngine(d Detector) *Engine {
	return &Engine{detector: d}
}

// Scrub returns a copy of v with every reachable string replaced by
// its redacted form. Non-string leaves pass through unchanged; any
// sequence kind from the host runtime is normalized to []any.
func (e *Engine) Scrub(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return e.ScrubString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = e.Scrub(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = e.Scrub(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = e.ScrubString(s)
		}
		return out
	case bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return t
	}
	// Uncommon sequence and mapping kinds still have to be walked; a
	// leaf skipped here is exactly the shallow-copy defect this engine
	// exists to prevent.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = e.Scrub(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = e.Scrub(iter.Value().Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return e.Scrub(rv.Elem().Interface())
	}
	return v
}

// ScrubString splices the replacement token over every surviving span.
func (e *Engine) ScrubString(s string) string {
	if s == "" {
		return s
	}
	spans := resolveOverlaps(e.detector.Detect(s))
	if len(spans) == 0 {
		return s
	}
	// Descending start order keeps earlier offsets valid while
	// splicing.
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start > spans[j].Start })
	out := s
	for _, sp := range spans {
		if sp.Start < 0 || sp.End > len(out) || sp.Start >= sp.End {
			continue
		}
		var b strings.Builder
		b.Grow(len(out))
		b.WriteString(out[:sp.Start])
		b.WriteString("<REDACTED ")
		b.WriteString(sp.Entity)
		b.WriteString(">")
		b.WriteString(out[sp.End:])
		out = b.String()
	}
	return out
}

// resolveOverlaps keeps the longest span of each overlapping cluster,
// ties broken by earliest start.
func resolveOverlaps(spans []Span) []Span {
	if len(spans) <= 1 {
		return spans
	}
	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool {
		li, lj := sorted[i].End-sorted[i].Start, sorted[j].End-sorted[j].Start
		if li != lj {
			return li > lj
		}
		return sorted[i].Start < sorted[j].Start
	})
	var kept []Span
	for _, cand := range sorted {
		overlaps := false
		for _, k := range kept {
			if cand.Start < k.End && k.Start < cand.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, cand)
		}
	}
	return kept
}
