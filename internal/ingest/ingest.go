// Package ingest feeds request events into the engine from REST, Kafka and
// tailed access logs.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"sessionguard/internal/metrics"
	"sessionguard/internal/model"
)

func SendNonBlocking(ctx context.Context, out chan<- model.RequestEvent, ev model.RequestEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		metrics.IngestEvents.WithLabelValues(ev.Source, "accepted").Inc()
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.IngestEvents.WithLabelValues(ev.Source, "dropped").Inc()
		if logger != nil {
			logger.Warn("event channel full, dropping event", "session_id", ev.SessionID, "source", ev.Source, "timestamp", ev.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func countInvalid(source string) {
	metrics.IngestEvents.WithLabelValues(source, "invalid").Inc()
}
