package cache

// LayerStats is a point in time snapshot of a single store.
type LayerStats struct {
	Name     string  `json:"name"`
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"` // Entry count bound; 0 when the store is bounded by bytes instead.
	Requests uint64  `json:"requests"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRate  float64 `json:"hit_rate"` // Percentage in [0, 100].
	// Evictions counts capacity based removals (LRU for memory, byte cap for disk).
	Evictions     uint64 `json:"evictions"`
	BytesUsed     int64  `json:"bytes_used,omitempty"`
	BytesCapacity int64  `json:"bytes_capacity,omitempty"`
}

// CombinedStats merges both layer snapshots with the coordinator's own request accounting.
// TotalRequests == TotalHits + TotalMisses always holds, and none of the totals are reset by Clear.
type CombinedStats struct {
	Memory          LayerStats `json:"memory"`
	Disk            LayerStats `json:"disk"`
	TotalRequests   uint64     `json:"total_requests"`
	TotalHits       uint64     `json:"total_hits"`
	TotalMisses     uint64     `json:"total_misses"`
	CombinedHitRate float64    `json:"combined_hit_rate"`
}

// MaintenanceReport counts what one maintenance cycle removed.
type MaintenanceReport struct {
	MemoryExpired int `json:"memory_expired"`
	DiskExpired   int `json:"disk_expired"`
	SizeEnforced  int `json:"size_enforced"`
}

// Total is the number of entries removed across all three steps.
func (r MaintenanceReport) Total() int {
	return r.MemoryExpired + r.DiskExpired + r.SizeEnforced
}

// hitRate returns hits / requests as a percentage, or 0 before the first request.
func hitRate(hits, requests uint64) float64 {
	if requests == 0 {
		return 0
	}
	return float64(hits) / float64(requests) * 100
}
