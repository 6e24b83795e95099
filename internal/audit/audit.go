// Package audit writes an append-only JSON-line trail of administrative
// actions: backend registrations, secret rotations, status changes and
// system-actor operations. Events carry identifiers only; secret material
// never reaches this package.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Action is the administrative action being audited.
type Action string

const (
	ActionBackendRegister Action = "backend_register"
	ActionBackendRotate   Action = "backend_rotate"
	ActionBackendStatus   Action = "backend_status"
	ActionBackendRetire   Action = "backend_retire"
	ActionSystemOperation Action = "system_operation"
)

// Outcome is the result of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit record.
type Event struct {
	ID          string            `json:"id"`
	Time        time.Time         `json:"time"`
	Action      Action            `json:"action"`
	Outcome     Outcome           `json:"outcome"`
	BackendID   string            `json:"backendId,omitempty"`
	TenantScope string            `json:"tenantScope,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

var auditEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_events_total",
		Help: "Total number of audit events",
	},
	[]string{"action", "outcome"},
)

// Logger appends audit events to a writer.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	closer io.Closer
	logger *zap.Logger
}

// NewLogger creates an audit logger appending to the file at path. An empty
// path writes to stdout.
func NewLogger(path string, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if path == "" {
		return &Logger{writer: os.Stdout, logger: logger}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{writer: f, closer: f, logger: logger}, nil
}

// NewWriterLogger creates an audit logger over an arbitrary writer.
func NewWriterLogger(w io.Writer, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{writer: w, logger: logger}
}

// Log appends one event. Failures to write are reported to the operational
// log but do not fail the audited action itself.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	auditEventsTotal.WithLabelValues(string(event.Action), string(event.Outcome)).Inc()

	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("audit event marshal failed", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		l.logger.Error("audit event write failed", zap.Error(err))
	}
}

// Close closes the underlying file, when there is one.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
