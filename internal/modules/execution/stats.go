package execution

import (
	"math"

	"morning-star-delivery/internal/models"
)

// ComputeStats derives the route progress snapshot from the full stop set.
// Pending counts both pending and enroute stops (work not yet resolved).
// Always recomputed from scratch in the same logical operation as the stop
// write, so drivers never see stats that lag the stop that changed.
func ComputeStats(stops []*models.Stop) models.RouteStats {
	stats := models.RouteStats{Total: len(stops)}
	for _, s := range stops {
		switch s.Status {
		case models.StopStatusDelivered:
			stats.Delivered++
		case models.StopStatusSkipped:
			stats.Skipped++
		default:
			stats.Pending++
		}
	}
	if stats.Total > 0 {
		resolved := float64(stats.Delivered+stats.Skipped) / float64(stats.Total)
		stats.CompletionRate = int(math.Round(resolved * 100))
	}
	return stats
}
