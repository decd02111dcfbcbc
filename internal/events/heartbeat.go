package events

import (
	"context"
	"log/slog"
	"time"

	"admitq/internal/admission"
)

const DefaultHeartbeatInterval = 5 * time.Second

type SummarySource interface {
	ResourceSummary(ctx context.Context) (admission.Summary, error)
}

// RunHeartbeat publishes a heartbeat every interval until ctx is done.
// A failed resource sample still produces a heartbeat, without resources.
func RunHeartbeat(ctx context.Context, pub Publisher, src SummarySource, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pub.Publish(Heartbeat(ctx, src, logger))
		}
	}
}

func Heartbeat(ctx context.Context, src SummarySource, logger *slog.Logger) Event {
	event := Event{Type: TypeHeartbeat, Timestamp: time.Now().UTC()}
	if src == nil {
		return event
	}
	summary, err := src.ResourceSummary(ctx)
	if err != nil {
		if logger != nil {
			logger.Warn("Heartbeat without resources", "error", err)
		}
		return event
	}
	event.Resources = &summary
	return event
}
