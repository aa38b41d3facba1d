package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// SlogWriter writes audit entries as structured log records.
type SlogWriter struct {
	logger *slog.Logger
}

func NewSlogWriter(logger *slog.Logger) *SlogWriter {
	if logger == nil {
		logger = slog.Default()
	}

	return &SlogWriter{logger: logger}
}

func (w *SlogWriter) Write(ctx context.Context, entry *AuditLogEntry) error {
	attrs := []slog.Attr{
		slog.String("event_type", entry.EventType),
		slog.String("execution_id", entry.ExecutionID),
		slog.String("definition_id", entry.DefinitionID),
		slog.String("status", entry.Status),
		slog.Time("at", entry.Timestamp),
	}
	if entry.StepID != "" {
		attrs = append(attrs, slog.String("step_id", entry.StepID))
	}
	if entry.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", entry.Attempt))
	}
	if entry.Reason != "" {
		attrs = append(attrs, slog.String("reason", entry.Reason))
	}
	if entry.Error != "" {
		attrs = append(attrs, slog.String("error", entry.Error))
	}
	if entry.Actor != "" {
		attrs = append(attrs, slog.String("actor", entry.Actor))
	}
	if entry.Duration != nil {
		attrs = append(attrs, slog.Duration("duration", *entry.Duration))
	}

	w.logger.LogAttrs(ctx, slog.LevelInfo, "[gateflow] audit", attrs...)

	return nil
}

// RedisStreamWriter appends audit entries to a capped Redis stream.
type RedisStreamWriter struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisStreamWriter(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamWriter {
	if stream == "" {
		stream = "gateflow:audit"
	}

	return &RedisStreamWriter{client: client, stream: stream, maxLen: maxLen}
}

func (w *RedisStreamWriter) Write(ctx context.Context, entry *AuditLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: w.stream,
		Values: map[string]any{
			"event_type":   entry.EventType,
			"execution_id": entry.ExecutionID,
			"entry":        string(data),
		},
	}
	if w.maxLen > 0 {
		args.MaxLen = w.maxLen
		args.Approx = true
	}

	if err := w.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", w.stream, err)
	}

	return nil
}

// Read returns up to count entries from the stream, oldest first.
func (w *RedisStreamWriter) Read(ctx context.Context, count int64) ([]AuditLogEntry, error) {
	messages, err := w.client.XRangeN(ctx, w.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", w.stream, err)
	}

	entries := make([]AuditLogEntry, 0, len(messages))
	for _, msg := range messages {
		raw, ok := msg.Values["entry"].(string)
		if !ok {
			continue
		}

		var entry AuditLogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode audit entry %s: %w", msg.ID, err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
