// Package security keeps the administrative audit trail: who changed keyword
// configuration, reset a breaker or switched the balancing strategy.
package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/tracer"
)

// RetentionPolicy controls how long audit entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

// FileAuditLogger implements domain.AuditLogger by appending JSON lines to a file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
	now       func() time.Time
}

// NewFileAuditLogger opens path for appending, creating it with 0600.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path, now: time.Now}, nil
}

// SetRetention configures the policy applied by EnforceRetention.
func (a *FileAuditLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Path returns the log file location.
func (a *FileAuditLogger) Path() string { return a.path }

// Log writes event as a single JSON line and mirrors it onto the active span.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+1)
		attrs = append(attrs, tracer.StringAttr("audit.resource", event.Resource))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the log keeping only entries inside the policy.
// Entries older than MaxAge go first, then the oldest entries until the file
// fits MaxSize. Safe to call while the logger is in use.
func (a *FileAuditLogger) EnforceRetention(_ context.Context) (removed int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policy := a.retention
	if policy == nil || (policy.MaxAge == 0 && policy.MaxSize == 0) {
		return 0, nil
	}
	if policy.MaxAge == 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = a.now().Add(-policy.MaxAge)
	}

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	// Whatever happens below, the logger must end up appending again.
	defer func() {
		f, openErr := openAppend(a.path)
		if openErr != nil && err == nil {
			err = fmt.Errorf("reopen after retention: %w", openErr)
		}
		a.file = f
	}()

	kept, keptSize, removed, err := readKept(a.path, cutoff)
	if err != nil {
		return 0, err
	}
	for policy.MaxSize > 0 && keptSize > policy.MaxSize && len(kept) > 0 {
		keptSize -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := a.path + ".tmp"
	if err := writeLines(tmp, kept); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}
	return removed, nil
}

func readKept(path string, cutoff time.Time) (kept [][]byte, size int64, removed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, size, removed, nil
}

func writeLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	return f.Close()
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// ParseRetentionMaxSize parses a human-readable size such as "100MB" or "1GB".
func ParseRetentionMaxSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n * multiplier, nil
}

// auditedEvents maps the bus events that change runtime behavior to their
// audit category.
var auditedEvents = map[domain.EventType]domain.AuditEventType{
	domain.EventKeywordsUpdated:     domain.AuditKeywordsChanged,
	domain.EventBreakerReset:        domain.AuditBreakerReset,
	domain.EventBreakerStateChanged: domain.AuditBreakerTripped,
	domain.EventLBStrategyChanged:   domain.AuditStrategyChanged,
}

// Recorder copies administrative bus events into an AuditLogger.
type Recorder struct {
	audit  domain.AuditLogger
	logger *slog.Logger
}

// NewRecorder creates a Recorder writing to audit.
func NewRecorder(audit domain.AuditLogger, logger *slog.Logger) *Recorder {
	return &Recorder{audit: audit, logger: logger}
}

// Attach subscribes the recorder to bus and returns an unsubscribe function.
func (r *Recorder) Attach(bus domain.EventBus) func() {
	unsubs := make([]func(), 0, len(auditedEvents))
	for typ := range auditedEvents {
		unsubs = append(unsubs, bus.Subscribe(typ, r.Record))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Record converts ev into an audit entry. Unaudited event types are ignored.
func (r *Recorder) Record(ctx context.Context, ev domain.Event) {
	typ, ok := auditedEvents[ev.Type]
	if !ok {
		return
	}
	detail := flattenPayload(ev.Payload)
	entry := domain.AuditEvent{
		Timestamp: ev.Timestamp.UTC(),
		Type:      typ,
		Resource:  detail["agent"],
		Action:    detail["action"],
		Outcome:   "success",
		Detail:    detail,
	}
	switch ev.Type {
	case domain.EventLBStrategyChanged:
		entry.Resource = "load_balancer"
		entry.Action = "change_strategy"
	case domain.EventBreakerReset:
		entry.Action = "reset"
	case domain.EventBreakerStateChanged:
		entry.Action = "transition"
	}
	if ev.SessionID != "" {
		detail["session_id"] = ev.SessionID
	}
	if err := r.audit.Log(ctx, entry); err != nil {
		r.logger.Warn("audit write failed", "type", string(typ), "error", err)
	}
}

// flattenPayload renders a JSON object payload as string pairs.
func flattenPayload(raw json.RawMessage) map[string]string {
	out := make(map[string]string)
	if len(raw) == 0 {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		out["payload"] = string(raw)
		return out
	}
	for k, v := range m {
		switch v := v.(type) {
		case string:
			out[k] = v
		case nil:
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
