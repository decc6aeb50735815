// Package audit records credential lifecycle outcomes. Every token
// refresh, exchange, revocation and brokered access leaves a trail
// entry, so expired-grant incidents can be reconstructed after the
// fact. Secret-bearing metadata is masked before it is written
// anywhere.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is the credential action being audited.
type Operation string

const (
	OpRefresh    Operation = "refresh"
	OpExchange   Operation = "exchange"
	OpRevoke     Operation = "revoke"
	OpAccess     Operation = "access"
	OpInvalidate Operation = "invalidate"
)

// Status is the outcome of an audited operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Event is one audit record.
type Event struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	UserID     string         `json:"user_id"`
	Operation  Operation      `json:"operation"`
	Status     Status         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Success(ctx context.Context, op Operation, instanceID, userID string, metadata map[string]any) error
	Failure(ctx context.Context, op Operation, instanceID, userID string, cause error, metadata map[string]any) error
}

// secretKeys are metadata keys whose values are masked unconditionally.
var secretKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"token":         true,
	"secret":        true,
	"client_secret": true,
	"api_key":       true,
	"code":          true,
}

// MaskSecret reduces a credential to a recognizable but useless stub.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "..."
}

func sanitizeMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if secretKeys[strings.ToLower(k)] {
			str, _ := v.(string)
			out[k] = MaskSecret(str)
			continue
		}
		out[k] = v
	}
	return out
}

func newEvent(op Operation, status Status, instanceID, userID, errMsg string, metadata map[string]any) Event {
	return Event{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		UserID:     userID,
		Operation:  op,
		Status:     status,
		Error:      errMsg,
		Timestamp:  time.Now().UTC(),
		Metadata:   sanitizeMetadata(metadata),
	}
}

// logger writes structured JSON lines to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Success(ctx context.Context, op Operation, instanceID, userID string, metadata map[string]any) error {
	return l.record(newEvent(op, StatusSuccess, instanceID, userID, "", metadata))
}

func (l *logger) Failure(ctx context.Context, op Operation, instanceID, userID string, cause error, metadata map[string]any) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	return l.record(newEvent(op, StatusFailure, instanceID, userID, errMsg, metadata))
}

func (l *logger) record(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Nop discards every event. Useful where an audit trail is optional.
type Nop struct{}

func (Nop) Success(context.Context, Operation, string, string, map[string]any) error {
	return nil
}

func (Nop) Failure(context.Context, Operation, string, string, error, map[string]any) error {
	return nil
}
