// Package admission decides whether a task type may start given a fresh
// resource snapshot and the configured safety margins.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"admitq/internal/models"
	"admitq/internal/resources"
)

// Mode bundles the two tunables of the predictive check.
type Mode struct {
	Name              string  `json:"name"`
	BufferPercent     float64 `json:"buffer_percent"`
	ConsumptionFactor float64 `json:"consumption_factor"`
}

var (
	// StrictMode is the production default.
	StrictMode = Mode{Name: "strict", BufferPercent: 0.20, ConsumptionFactor: 0.80}
	// RelaxedMode is meant for development machines.
	RelaxedMode = Mode{Name: "relaxed", BufferPercent: 0.05, ConsumptionFactor: 0.50}
)

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "strict", "production":
		return StrictMode, nil
	case "relaxed", "dev", "development":
		return RelaxedMode, nil
	default:
		return Mode{}, fmt.Errorf("unknown admission mode %q (want strict or relaxed)", raw)
	}
}

// Decision is the outcome of one admission check. A denial is a normal
// value, not an error.
type Decision struct {
	Approved       bool               `json:"approved"`
	Reason         string             `json:"reason"`
	TaskType       models.TaskType    `json:"task_type"`
	PredictedCPU   float64            `json:"predicted_cpu_cores"`
	PredictedRAMGB float64            `json:"predicted_ram_gb"`
	RemainingCPU   float64            `json:"remaining_cpu_cores"`
	RemainingRAMGB float64            `json:"remaining_ram_gb"`
	MinCores       float64            `json:"min_cores"`
	MinRAMGB       float64            `json:"min_ram_gb"`
	Snapshot       resources.Snapshot `json:"snapshot"`
	Mode           Mode               `json:"mode"`
}

type Controller struct {
	provider resources.Provider
	mode     Mode
	logger   *slog.Logger
}

func NewController(provider resources.Provider, mode Mode, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		provider: provider,
		mode:     mode,
		logger:   logger.With("component", "admission"),
	}
}

func (c *Controller) Mode() Mode {
	return c.mode
}

// CanRun is the single admission predicate shared by the immediate path and
// the dispatcher.
func (c *Controller) CanRun(ctx context.Context, taskType models.TaskType) (bool, string) {
	d := c.Evaluate(ctx, taskType)
	return d.Approved, d.Reason
}

func (c *Controller) Evaluate(ctx context.Context, taskType models.TaskType) Decision {
	d := Decision{TaskType: taskType, Mode: c.mode}

	req, ok := models.RequirementFor(taskType)
	if !ok {
		d.Reason = fmt.Sprintf("unknown task type %q", taskType)
		return d
	}

	snap, err := c.provider.Snapshot(ctx)
	if err != nil {
		d.Reason = fmt.Sprintf("resource snapshot unavailable: %v", err)
		c.logger.Warn("Admission check without snapshot", "task_type", taskType, "error", err)
		return d
	}
	d.Snapshot = snap

	d.PredictedCPU = req.CPUCores * c.mode.ConsumptionFactor
	d.PredictedRAMGB = req.RAMGB * c.mode.ConsumptionFactor
	d.RemainingCPU = snap.AvailableCores - d.PredictedCPU
	d.RemainingRAMGB = snap.AvailableRAMGB - d.PredictedRAMGB
	d.MinCores = snap.TotalCores * c.mode.BufferPercent
	d.MinRAMGB = snap.TotalRAMGB * c.mode.BufferPercent

	cpuOK := d.RemainingCPU >= d.MinCores
	ramOK := d.RemainingRAMGB >= d.MinRAMGB

	switch {
	case !cpuOK:
		d.Reason = fmt.Sprintf(
			"Insufficient CPU: need %.2f cores, available %.2f cores, would leave %.2f cores, minimum %.2f cores",
			d.PredictedCPU, snap.AvailableCores, d.RemainingCPU, d.MinCores,
		)
	case !ramOK:
		d.Reason = fmt.Sprintf(
			"Insufficient RAM: need %.2fGB, available %.2fGB, would leave %.2fGB, minimum %.2fGB",
			d.PredictedRAMGB, snap.AvailableRAMGB, d.RemainingRAMGB, d.MinRAMGB,
		)
	default:
		d.Approved = true
		d.Reason = fmt.Sprintf("Can run: %.2f cores and %.2fGB RAM will remain", d.RemainingCPU, d.RemainingRAMGB)
	}

	c.logger.Debug(
		"Admission check",
		"task_type", taskType,
		"approved", d.Approved,
		"available_cores", round2(snap.AvailableCores),
		"available_ram_gb", round2(snap.AvailableRAMGB),
		"remaining_cores", round2(d.RemainingCPU),
		"remaining_ram_gb", round2(d.RemainingRAMGB),
		"min_cores", round2(d.MinCores),
		"min_ram_gb", round2(d.MinRAMGB),
	)
	return d
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
