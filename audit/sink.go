package audit

import (
	"context"
	"log/slog"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

// LogSink writes audit records to structured logs. Audit is fire and
// forget: nothing here can fail in a way the caller sees.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink logging under the "audit" component tag.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log.With(slog.String("component", "audit"))}
}

// Audit records one entry.
func (s *LogSink) Audit(ctx context.Context, record interfaces.AuditRecord) {
	s.log.Info("audit",
		slog.String("action", record.Action),
		slog.String("object", record.Object),
		slog.String("owner", record.Owner),
		slog.String("outcome", record.Outcome),
		slog.Any("details", record.Details))
}

// NopSink discards audit records.
type NopSink struct{}

// Audit does nothing.
func (NopSink) Audit(ctx context.Context, record interfaces.AuditRecord) {}
