package poller

import (
	"context"
	"sort"
)

// Snapshot summarises one fetch of a resource for change detection.
// Counts holds tracked totals (pending requests, unread messages); Sets holds
// tracked memberships (confirmed booking ids, roster ids).
type Snapshot struct {
	Counts map[string]int      `json:"counts,omitempty"`
	Sets   map[string][]string `json:"sets,omitempty"`
}

// Count returns the tracked count under key, zero when absent.
func (s Snapshot) Count(key string) int {
	return s.Counts[key]
}

// Delta is an increase of a tracked count.
type Delta struct {
	From int
	To   int
}

// Change lists what grew between two snapshots of a resource.
type Change struct {
	Resource  string
	Increased map[string]Delta
	Added     map[string][]string
}

// IsZero reports whether nothing grew.
func (c Change) IsZero() bool {
	return len(c.Increased) == 0 && len(c.Added) == 0
}

// Diff compares prev and next. Only increases and new set members are
// reported; decreases and removals are ignored.
func Diff(resource string, prev, next Snapshot) Change {
	ch := Change{Resource: resource}

	for key, to := range next.Counts {
		from := prev.Counts[key]
		if to > from {
			if ch.Increased == nil {
				ch.Increased = make(map[string]Delta)
			}
			ch.Increased[key] = Delta{From: from, To: to}
		}
	}

	for key, members := range next.Sets {
		seen := make(map[string]struct{}, len(prev.Sets[key]))
		for _, id := range prev.Sets[key] {
			seen[id] = struct{}{}
		}
		var added []string
		for _, id := range members {
			if _, ok := seen[id]; !ok {
				added = append(added, id)
				seen[id] = struct{}{}
			}
		}
		if len(added) > 0 {
			sort.Strings(added)
			if ch.Added == nil {
				ch.Added = make(map[string][]string)
			}
			ch.Added[key] = added
		}
	}
	return ch
}

// BaselineStore persists the last snapshot per resource so a restarted
// process does not re-announce what the user already saw.
type BaselineStore interface {
	LoadBaseline(ctx context.Context, key string) (Snapshot, bool, error)
	SaveBaseline(ctx context.Context, key string, snap Snapshot) error
}
