package domain

import (
	"context"
	"time"
)

// AuditEventType categorizes audit log entries.
type AuditEventType string

const (
	AuditKeywordsChanged AuditEventType = "keywords_changed"
	AuditBreakerReset    AuditEventType = "breaker_reset"
	AuditBreakerTripped  AuditEventType = "breaker_state_changed"
	AuditStrategyChanged AuditEventType = "lb_strategy_changed"
)

// AuditEvent is one entry in the administrative audit trail.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Actor     string            `json:"actor,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger persists audit events.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
