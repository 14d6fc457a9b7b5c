package audit

import (
	"context"

	"github.com/rs/zerolog"

	"tenantauth.org/internal/obs"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *zerolog.Logger
}

// NewLogSink logs through logger, or the process logger when nil.
func NewLogSink(logger *zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, e Event) error {
	logger := s.logger
	if logger == nil {
		logger = obs.Logger()
	}
	entry := logger.Info().
		Str("type", "audit").
		Str("event", e.Type).
		Time("occurred_at", e.OccurredAt).
		Bool("success", e.Success)
	for k, v := range map[string]string{
		"request_id":      e.RequestID,
		"account_id":      e.AccountID,
		"organization_id": e.OrganizationID,
		"store_id":        e.StoreID,
		"session_id":      e.SessionID,
		"ip":              e.IP,
		"reason":          e.Reason,
	} {
		if v != "" {
			entry = entry.Str(k, v)
		}
	}
	fields := zerolog.Dict()
	for k, v := range e.Metadata {
		fields = fields.Str(k, v)
	}
	entry.Dict("fields", fields).Send()
	return nil
}
