package admission

import (
	"context"
	"math"
	"time"

	"admitq/internal/resources"
)

type CPUSummary struct {
	TotalCores        float64 `json:"total_cores"`
	AvailableCores    float64 `json:"available_cores"`
	UsagePercent      float64 `json:"usage_percent"`
	MinThresholdCores float64 `json:"min_threshold_cores"`
}

type RAMSummary struct {
	TotalGB        float64 `json:"total_gb"`
	AvailableGB    float64 `json:"available_gb"`
	UsagePercent   float64 `json:"usage_percent"`
	MinThresholdGB float64 `json:"min_threshold_gb"`
}

// Summary is the resource payload attached to events and API responses.
type Summary struct {
	CPU           CPUSummary `json:"cpu"`
	RAM           RAMSummary `json:"ram"`
	BufferPercent float64    `json:"buffer_percent"`
	Mode          string     `json:"mode"`
	SampledAt     time.Time  `json:"sampled_at"`
}

// Summary takes a fresh snapshot and rounds it for display.
func (c *Controller) Summary(ctx context.Context) (Summary, error) {
	snap, err := c.provider.Snapshot(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(snap, c.mode), nil
}

func Summarize(snap resources.Snapshot, mode Mode) Summary {
	return Summary{
		CPU: CPUSummary{
			TotalCores:        snap.TotalCores,
			AvailableCores:    round2(snap.AvailableCores),
			UsagePercent:      round1(snap.UsagePercent),
			MinThresholdCores: round2(snap.TotalCores * mode.BufferPercent),
		},
		RAM: RAMSummary{
			TotalGB:        round2(snap.TotalRAMGB),
			AvailableGB:    round2(snap.AvailableRAMGB),
			UsagePercent:   round1(snap.RAMUsagePercent),
			MinThresholdGB: round2(snap.TotalRAMGB * mode.BufferPercent),
		},
		BufferPercent: mode.BufferPercent * 100,
		Mode:          mode.Name,
		SampledAt:     snap.TakenAt,
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
