package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditSessionStart AuditEventType = "session_start"
	AuditWarning      AuditEventType = "warning"
	AuditTermination  AuditEventType = "termination"
	AuditSessionStop  AuditEventType = "session_stop"
	AuditConfigReload AuditEventType = "config_reload"
	AuditError        AuditEventType = "error"
)

// AuditEvent is one line of the proctoring audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	Candidate string         `json:"candidate,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditLogger appends JSON lines describing session outcomes. It is kept
// apart from the diagnostic log so retention can differ.
type AuditLogger struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// NewAuditLogger writes to w. If w is an io.Closer, Close closes it.
func NewAuditLogger(w io.Writer) *AuditLogger {
	a := &AuditLogger{w: w, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		a.c = c
	}
	return a
}

// OpenAuditLog opens a rotating audit file at path.
func OpenAuditLog(path string, maxSizeMB int64, maxBackups int) (*AuditLogger, error) {
	r, err := NewFileRotator(&Config{FilePath: path, MaxSize: maxSizeMB, MaxBackups: maxBackups})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return NewAuditLogger(r), nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the underlying writer if it is closable.
func (a *AuditLogger) Close() error {
	if a == nil || a.c == nil {
		return nil
	}
	return a.c.Close()
}
