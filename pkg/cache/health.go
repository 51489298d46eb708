package cache

// HealthStatus grades a stats snapshot.
type HealthStatus string

const (
	HealthExcellent HealthStatus = "excellent"
	HealthGood      HealthStatus = "good"
	HealthWarning   HealthStatus = "warning"
	HealthPoor      HealthStatus = "poor"
)

// HealthReport summarizes how well the cache is doing, with human readable tuning hints.
type HealthReport struct {
	Status            HealthStatus `json:"status"`
	CombinedHitRate   float64      `json:"combined_hit_rate"`
	MemoryHitRate     float64      `json:"memory_hit_rate"`
	DiskHitRate       float64      `json:"disk_hit_rate"`
	MemoryUtilization float64      `json:"memory_utilization"` // Percentage of the entry capacity.
	DiskUtilization   float64      `json:"disk_utilization"`   // Percentage of the byte cap.
	TotalRequests     uint64       `json:"total_requests"`
	Recommendations   []string     `json:"recommendations"`
}

// CheckHealth grades a stats snapshot: a low hit rate is poor, a nearly full tier is a warning, and a high hit rate
// with headroom on both tiers is excellent.
func CheckHealth(stats CombinedStats) HealthReport {
	report := HealthReport{
		CombinedHitRate:   stats.CombinedHitRate,
		MemoryHitRate:     stats.Memory.HitRate,
		DiskHitRate:       stats.Disk.HitRate,
		MemoryUtilization: percentage(float64(stats.Memory.Size), float64(stats.Memory.Capacity)),
		DiskUtilization:   percentage(float64(stats.Disk.BytesUsed), float64(stats.Disk.BytesCapacity)),
		TotalRequests:     stats.TotalRequests,
	}
	switch {
	case stats.CombinedHitRate < 50:
		report.Status = HealthPoor
	case report.MemoryUtilization > 90 || report.DiskUtilization > 90:
		report.Status = HealthWarning
	case stats.CombinedHitRate > 80 && report.MemoryUtilization < 80 && report.DiskUtilization < 80:
		report.Status = HealthExcellent
	default:
		report.Status = HealthGood
	}
	report.Recommendations = recommend(stats, report)
	return report
}

func recommend(stats CombinedStats, report HealthReport) []string {
	var hints []string
	switch report.Status {
	case HealthPoor:
		if stats.CombinedHitRate < 30 {
			hints = append(hints, "Hit rate is very low; consider larger tiers or longer TTLs.")
		}
		if stats.TotalRequests < 100 {
			hints = append(hints, "Request volume is low; caching benefits may be minimal.")
		}
	case HealthWarning:
		if report.MemoryUtilization > 90 {
			hints = append(hints, "Memory tier is near capacity; consider raising its capacity.")
		}
		if report.DiskUtilization > 90 {
			hints = append(hints, "Disk tier is near its byte cap; consider raising the cap or lowering the disk TTL.")
		}
	case HealthGood:
		if stats.CombinedHitRate > 90 {
			hints = append(hints, "Hit rate is very high; the tiers could likely shrink.")
		}
	case HealthExcellent:
		hints = append(hints, "Cache is performing well; no changes needed.")
	}
	if stats.Memory.HitRate > stats.Disk.HitRate+20 {
		hints = append(hints, "Memory tier outperforms disk by a wide margin; consider raising memory capacity.")
	}
	if stats.Disk.HitRate < 20 && stats.Disk.Size > 1000 {
		hints = append(hints, "Disk tier holds many entries but rarely hits; review key distribution or the disk TTL.")
	}
	return hints
}

func percentage(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}
