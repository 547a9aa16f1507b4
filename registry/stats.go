package registry

import (
	"context"
	"time"
)

// Stats is an O(n) summary of registry contents. Stats reads are reporting
// surface, not write path, so they carry no soft-budget accounting.
type Stats struct {
	Count         int            `json:"count"`
	TotalBytes    int            `json:"total_bytes"`
	VersionCounts map[string]int `json:"version_counts"`
	OldestName    string         `json:"oldest_name,omitempty"`
	OldestAt      time.Time      `json:"oldest_at,omitempty"`
	NewestName    string         `json:"newest_name,omitempty"`
	NewestAt      time.Time      `json:"newest_at,omitempty"`
}

// Stats computes a point-in-time summary of the registry.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Count:         len(r.entries),
		TotalBytes:    r.totalBytes,
		VersionCounts: make(map[string]int, len(r.entries)),
	}
	for _, entry := range r.entries {
		stats.VersionCounts[entry.Version]++
		if stats.OldestAt.IsZero() || entry.RegisteredAt.Before(stats.OldestAt) {
			stats.OldestAt = entry.RegisteredAt
			stats.OldestName = entry.Name
		}
		if stats.NewestAt.IsZero() || entry.RegisteredAt.After(stats.NewestAt) {
			stats.NewestAt = entry.RegisteredAt
			stats.NewestName = entry.Name
		}
	}
	return stats, nil
}
