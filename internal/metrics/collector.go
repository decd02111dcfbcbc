package metrics

import (
	"context"
	"log/slog"
	"time"

	"admitq/internal/admission"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultInterval = 5 * time.Second
	sampleTimeout   = 2 * time.Second
)

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admitq_queue_depth",
		Help: "Number of queued tasks.",
	})
	tasksRunningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admitq_tasks_running",
		Help: "Number of running tasks.",
	})
	availableCoresGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admitq_host_available_cores",
		Help: "CPU cores currently available on the host.",
	})
	availableRAMGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admitq_host_available_ram_gb",
		Help: "RAM currently available on the host, in GB.",
	})
	cpuUsageGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admitq_host_cpu_usage_percent",
		Help: "Host CPU utilisation.",
	})
	ramUsageGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admitq_host_ram_usage_percent",
		Help: "Host RAM utilisation.",
	})
)

// Source is what the collector samples on every tick.
type Source interface {
	ResourceSummary(ctx context.Context) (admission.Summary, error)
	Counts() (queued, running int)
}

func StartCollector(ctx context.Context, src Source, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := Collect(ctx, src); err != nil {
				logWarn(logger, "Resource metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Collect samples src once. Queue gauges are set even when the resource
// sample fails.
func Collect(ctx context.Context, src Source) error {
	queued, running := src.Counts()
	queueDepthGauge.Set(float64(queued))
	tasksRunningGauge.Set(float64(running))

	sampleCtx, cancel := context.WithTimeout(ctx, sampleTimeout)
	defer cancel()
	summary, err := src.ResourceSummary(sampleCtx)
	if err != nil {
		return err
	}
	availableCoresGauge.Set(summary.CPU.AvailableCores)
	availableRAMGauge.Set(summary.RAM.AvailableGB)
	cpuUsageGauge.Set(summary.CPU.UsagePercent)
	ramUsageGauge.Set(summary.RAM.UsagePercent)
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
