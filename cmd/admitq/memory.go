package main

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// memoryLogIntervalFromEnv reads ADMITQ_MEMORY_LOG_INTERVAL as a duration
// or a whole number of seconds. Unset or invalid values disable the logger.
func memoryLogIntervalFromEnv(logger *slog.Logger, getenv func(string) string) time.Duration {
	value := strings.TrimSpace(getenv("ADMITQ_MEMORY_LOG_INTERVAL"))
	if value == "" {
		return 0
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if logger != nil {
		logger.Warn("Invalid ADMITQ_MEMORY_LOG_INTERVAL; skipping memory logger", "value", value)
	}
	return 0
}

type countSource interface {
	Counts() (queued, running int)
}

// startMemoryLogger periodically logs heap and RSS figures next to the
// scheduler's queue depth.
func startMemoryLogger(ctx context.Context, logger *slog.Logger, interval time.Duration, src countSource) {
	if logger == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logMemoryStats(logger, src)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMemoryStats(logger, src)
			}
		}
	}()
}

func logMemoryStats(logger *slog.Logger, src countSource) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	attrs := []any{
		"heap_alloc_bytes", m.HeapAlloc,
		"heap_inuse_bytes", m.HeapInuse,
		"num_gc", m.NumGC,
		"goroutines", runtime.NumGoroutine(),
	}
	if rss, ok := readRSSBytes(); ok {
		attrs = append(attrs, "rss_bytes", rss)
	}
	if src != nil {
		queued, running := src.Counts()
		attrs = append(attrs, "queued", queued, "running", running)
	}
	logger.Info("admitq memory usage", attrs...)
}

func readRSSBytes() (uint64, bool) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, false
	}
	info, err := p.MemoryInfo()
	if err != nil || info == nil {
		return 0, false
	}
	return info.RSS, true
}
