// Package resources samples host CPU and RAM into point-in-time snapshots.
package resources

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerGB = 1024 * 1024 * 1024

// Snapshot is a point-in-time view of host capacity.
type Snapshot struct {
	TotalCores      float64   `json:"total_cores"`
	AvailableCores  float64   `json:"available_cores"`
	UsagePercent    float64   `json:"usage_percent"`
	TotalRAMGB      float64   `json:"total_ram_gb"`
	AvailableRAMGB  float64   `json:"available_ram_gb"`
	RAMUsagePercent float64   `json:"ram_usage_percent"`
	TakenAt         time.Time `json:"taken_at"`
}

// Provider returns a fresh snapshot on every call. Implementations must not
// cache results across calls.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// DefaultCPUSampleInterval matches the window psutil.cpu_percent is usually
// given for admission checks.
const DefaultCPUSampleInterval = 100 * time.Millisecond

// minCPUWindow is the shortest span a non-blocking reading is computed over.
// Shorter spans may contain no busy clock tick and would read as idle.
const minCPUWindow = 100 * time.Millisecond

// HostProvider reads the local machine through gopsutil.
//
// CPUSampleInterval > 0 blocks for that long and measures utilisation over
// the window. Zero measures since the previous reading, reusing that reading
// when it is younger than minCPUWindow.
type HostProvider struct {
	CPUSampleInterval time.Duration

	times func(ctx context.Context) (cpu.TimesStat, error)
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	prev   cpu.TimesStat
	prevAt time.Time
	usage  float64
}

func NewHostProvider(sampleInterval time.Duration) *HostProvider {
	return &HostProvider{
		CPUSampleInterval: sampleInterval,
		times:             hostTimes,
		now:               time.Now,
		sleep:             sleepContext,
	}
}

func (p *HostProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count cpu cores: %w", err)
	}
	usage, err := p.cpuUsage(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sample cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sample memory: %w", err)
	}
	return Build(float64(cores), usage, float64(vm.Total)/bytesPerGB, float64(vm.Available)/bytesPerGB, vm.UsedPercent), nil
}

func (p *HostProvider) cpuUsage(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	window := p.CPUSampleInterval
	if window <= 0 {
		if !p.prevAt.IsZero() && p.now().Sub(p.prevAt) < minCPUWindow {
			return p.usage, nil
		}
		if !p.prevAt.IsZero() {
			return p.advance(ctx, p.prev)
		}
		window = minCPUWindow
	}
	start, err := p.times(ctx)
	if err != nil {
		return 0, err
	}
	if err := p.sleep(ctx, window); err != nil {
		return 0, err
	}
	return p.advance(ctx, start)
}

// advance reads the counters again and measures busy time since from. An
// empty span keeps the previous reading.
func (p *HostProvider) advance(ctx context.Context, from cpu.TimesStat) (float64, error) {
	cur, err := p.times(ctx)
	if err != nil {
		return 0, err
	}
	if usage, ok := busyPercent(from, cur); ok {
		p.usage = usage
	}
	p.prev, p.prevAt = cur, p.now()
	return p.usage, nil
}

func busyPercent(from, to cpu.TimesStat) (float64, bool) {
	total := func(t cpu.TimesStat) float64 {
		return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	}
	idle := func(t cpu.TimesStat) float64 { return t.Idle + t.Iowait }

	span := total(to) - total(from)
	if span <= 0 {
		return 0, false
	}
	busy := (total(to) - idle(to)) - (total(from) - idle(from))
	return math.Min(100, math.Max(0, busy/span*100)), true
}

func hostTimes(ctx context.Context) (cpu.TimesStat, error) {
	stats, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return cpu.TimesStat{}, err
	}
	if len(stats) == 0 {
		return cpu.TimesStat{}, errors.New("no cpu times reported")
	}
	return stats[0], nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Build derives available cores from total and utilisation the same way for
// every provider.
func Build(totalCores, usagePercent, totalRAMGB, availableRAMGB, ramUsagePercent float64) Snapshot {
	return Snapshot{
		TotalCores:      totalCores,
		AvailableCores:  totalCores * (1 - usagePercent/100),
		UsagePercent:    usagePercent,
		TotalRAMGB:      totalRAMGB,
		AvailableRAMGB:  availableRAMGB,
		RAMUsagePercent: ramUsagePercent,
		TakenAt:         time.Now(),
	}
}
