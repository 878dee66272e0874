// Package interval implements span arithmetic for free-slot computation.
// All spans are half-open [Start, End) on a single UTC timeline.
package interval

import (
	"sort"
	"time"
)

// Span is a half-open time interval [Start, End).
type Span struct {
	Start time.Time `json:"start_time"`
	End   time.Time `json:"end_time"`
}

// Valid reports whether the span has positive length.
func (s Span) Valid() bool {
	return s.Start.Before(s.End)
}

// Overlaps reports whether s and other share any instant.
func (s Span) Overlaps(other Span) bool {
	return s.Start.Before(other.End) && s.End.After(other.Start)
}

// Clip restricts s to the window, returning the intersection.
// The result is zero-length or inverted when they do not overlap;
// callers filter with Valid.
func (s Span) Clip(window Span) Span {
	out := s
	if out.Start.Before(window.Start) {
		out.Start = window.Start
	}
	if out.End.After(window.End) {
		out.End = window.End
	}
	return out
}

// Merge collapses overlapping and touching spans into a minimal sorted
// set. The input slice is not modified.
func Merge(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := make([]Span, 0, len(sorted))
	current := sorted[0]
	for _, s := range sorted[1:] {
		if !s.Start.After(current.End) {
			if s.End.After(current.End) {
				current.End = s.End
			}
			continue
		}
		merged = append(merged, current)
		current = s
	}
	return append(merged, current)
}

// Free returns the complement of busy within window. busy must be
// sorted and non-overlapping (the output of Merge) and already clipped
// to the window. An empty busy set yields the whole window.
func Free(busy []Span, window Span) []Span {
	if len(busy) == 0 {
		return []Span{window}
	}
	free := make([]Span, 0, len(busy)+1)
	if window.Start.Before(busy[0].Start) {
		free = append(free, Span{Start: window.Start, End: busy[0].Start})
	}
	for i := 0; i < len(busy)-1; i++ {
		free = append(free, Span{Start: busy[i].End, End: busy[i+1].Start})
	}
	if busy[len(busy)-1].End.Before(window.End) {
		free = append(free, Span{Start: busy[len(busy)-1].End, End: window.End})
	}
	return free
}

// Slice carves each free span into consecutive slots of exactly
// duration, anchored at the span start. Remainders shorter than
// duration are dropped. A non-positive duration yields no slots.
func Slice(free []Span, duration time.Duration) []Span {
	if duration <= 0 {
		return nil
	}
	var slots []Span
	for _, f := range free {
		for start := f.Start; !start.Add(duration).After(f.End); start = start.Add(duration) {
			slots = append(slots, Span{Start: start, End: start.Add(duration)})
		}
	}
	return slots
}
