package engine

import (
	"fmt"
	"sync"
)

// SourceStats counts row outcomes for one source over one or more
// cycles.
type SourceStats struct {
	Processed int
	Skipped   int
	Deleted   int
	Failed    int
}

func (s SourceStats) add(other SourceStats) SourceStats {
	return SourceStats{
		Processed: s.Processed + other.Processed,
		Skipped:   s.Skipped + other.Skipped,
		Deleted:   s.Deleted + other.Deleted,
		Failed:    s.Failed + other.Failed,
	}
}

// String renders counts for log lines.
func (s SourceStats) String() string {
	return fmt.Sprintf("%d processed, %d skipped, %d deleted, %d failed",
		s.Processed, s.Skipped, s.Deleted, s.Failed)
}

// UpdateStats aggregates per-source outcomes of an update. Safe for
// concurrent accumulation.
type UpdateStats struct {
	mu      sync.Mutex
	sources map[string]SourceStats
}

func newUpdateStats() *UpdateStats {
	return &UpdateStats{sources: make(map[string]SourceStats)}
}

func (u *UpdateStats) record(source string, s SourceStats) {
	u.mu.Lock()
	u.sources[source] = u.sources[source].add(s)
	u.mu.Unlock()
}

// Source returns the counts for one source.
func (u *UpdateStats) Source(name string) SourceStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sources[name]
}

// Total returns the counts summed across sources.
func (u *UpdateStats) Total() SourceStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	var total SourceStats
	for _, s := range u.sources {
		total = total.add(s)
	}
	return total
}

// Merge folds other into u.
func (u *UpdateStats) Merge(other *UpdateStats) {
	if other == nil {
		return
	}
	other.mu.Lock()
	snapshot := make(map[string]SourceStats, len(other.sources))
	for name, s := range other.sources {
		snapshot[name] = s
	}
	other.mu.Unlock()
	for name, s := range snapshot {
		u.record(name, s)
	}
}

// String renders the total for log lines.
func (u *UpdateStats) String() string {
	return u.Total().String()
}
