package audit

import (
	"context"
	"strings"
	"time"
)

// Event types emitted by the auth core.
const (
	EventLoginSucceeded      = "auth.login.succeeded"
	EventLoginFailed         = "auth.login.failed"
	EventAccountLocked       = "auth.account.locked"
	EventTokenRefreshed      = "auth.token.refreshed"
	EventRefreshRejected     = "auth.token.refresh_rejected"
	EventFingerprintMismatch = "auth.session.fingerprint_mismatch"
	EventSessionRevoked      = "auth.session.revoked"
	EventEnvironmentSwitched = "auth.environment.switched"
	EventMembershipCreated   = "auth.membership.auto_created"
)

// Event is one append-only audit record.
type Event struct {
	Type           string            `json:"type"`
	OccurredAt     time.Time         `json:"occurred_at"`
	RequestID      string            `json:"request_id,omitempty"`
	AccountID      string            `json:"account_id,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	StoreID        string            `json:"store_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	IP             string            `json:"ip,omitempty"`
	Success        bool              `json:"success"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Sink persists events. Implementations are called from a single goroutine.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Emitter accepts events without blocking the caller.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event)        {}
func (Discard) Write(context.Context, Event) error { return nil }

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
