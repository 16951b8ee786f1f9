package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"sessionguard/internal/config"
	"sessionguard/internal/model"
	"sessionguard/internal/normalize"
)

// StartKafka consumes JSON request events. Decisions for these events are
// asynchronous: a block takes effect from the session's next request.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.RequestEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			ev, ok := decodeLine(string(m.Value), "kafka", parser, logger)
			if !ok {
				continue
			}
			ev.DeliveryID = fmt.Sprintf("kafka/%s/%d/%d", m.Topic, m.Partition, m.Offset)
			SendNonBlocking(ctx, out, ev, logger)
		}
	}()
}

func decodeLine(line, source string, parser *Parser, logger *slog.Logger) (model.RequestEvent, bool) {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		if err != nil {
			countInvalid(source)
		}
		return model.RequestEvent{}, false
	}
	ev, err := normalize.Normalize(*fields, source)
	if err != nil {
		countInvalid(source)
		if logger != nil {
			logger.Warn("normalize error", "source", source, "session_id", fields.SessionID, "err", err)
		}
		return model.RequestEvent{}, false
	}
	return ev, true
}
