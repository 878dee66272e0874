package recommend

import (
	"context"
	"fmt"

	"group-calendar/internal/interval"
)

// CalendarReader is the read-only slice of the store the collector
// needs. A member's commitments anywhere count as busy time, so the
// traversal fans out from the target group to every group of every
// member.
type CalendarReader interface {
	MemberIDs(ctx context.Context, groupID string) ([]string, error)
	GroupIDsOf(ctx context.Context, userID string) ([]string, error)
	EventSpansOverlapping(ctx context.Context, groupID string, window interval.Span) ([]interval.Span, error)
}

// Collector gathers the busy spans relevant to a group recommendation.
type Collector struct {
	reader CalendarReader
}

// NewCollector builds a collector over a calendar read API.
func NewCollector(reader CalendarReader) *Collector {
	return &Collector{reader: reader}
}

// BusySpans returns every event span, clipped to the window, from every
// group that shares at least one member with groupID. The result is
// unmerged; callers run interval.Merge before deriving free time.
func (c *Collector) BusySpans(ctx context.Context, groupID string, window interval.Span) ([]interval.Span, error) {
	members, err := c.reader.MemberIDs(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("resolve members of %s: %w", groupID, err)
	}

	seen := make(map[string]struct{})
	var busy []interval.Span
	for _, userID := range members {
		groups, err := c.reader.GroupIDsOf(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("resolve groups of %s: %w", userID, err)
		}
		for _, gid := range groups {
			if _, ok := seen[gid]; ok {
				continue
			}
			seen[gid] = struct{}{}

			spans, err := c.reader.EventSpansOverlapping(ctx, gid, window)
			if err != nil {
				return nil, fmt.Errorf("fetch events of %s: %w", gid, err)
			}
			for _, sp := range spans {
				if clipped := sp.Clip(window); clipped.Valid() {
					busy = append(busy, clipped)
				}
			}
		}
	}
	return busy, nil
}
