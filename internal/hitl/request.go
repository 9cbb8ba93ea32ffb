// Package hitl provides the human-in-the-loop request coordinator for
// evermind. A tool that needs human input registers a request, waits on
// the dual transport (durable stream plus ephemeral fallback channel),
// and a remote process resolves it through Respond. The persisted record
// store is the cross-process source of truth behind redirection and
// crash recovery.
package hitl

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/evermind-ai/evermind/pkg/models"
)

var (
	// ErrNotFound is returned when a request id is unknown locally and
	// has no persisted record.
	ErrNotFound = errors.New("hitl: request not found")
	// ErrTimeout is returned when a wait budget elapses with no response
	// and no default was supplied.
	ErrTimeout = errors.New("hitl: timed out waiting for response")
)

// NewRequestID returns a fresh request id.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// newConsumerName returns a worker-{random8hex} consumer name.
func newConsumerName() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "worker-" + hex.EncodeToString(b)
}

// groupName returns the consumer group for a request type.
func groupName(prefix string, t models.RequestType) string {
	return fmt.Sprintf("%s-%s-workers", prefix, t)
}

// streamKey returns the durable stream key for one request.
func streamKey(t models.RequestType, id string) string {
	return fmt.Sprintf("hitl:stream:%s:%s", t, id)
}

// fallbackChannel returns the ephemeral pub/sub channel for one request.
func fallbackChannel(t models.RequestType, id string) string {
	return fmt.Sprintf("hitl:%s:%s", t, id)
}

// responseEnvelope is the JSON payload carried on both transport paths.
type responseEnvelope struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}

// EventKind classifies request lifecycle events emitted to observers.
type EventKind string

const (
	EventRegistered EventKind = "request_registered"
	EventResolved   EventKind = "request_resolved"
	EventTimedOut   EventKind = "request_timed_out"
	EventCancelled  EventKind = "request_cancelled"
)

// Event describes one request lifecycle transition.
type Event struct {
	Kind      EventKind          `json:"kind"`
	RequestID string             `json:"request_id"`
	Type      models.RequestType `json:"type"`
	Response  string             `json:"response,omitempty"`
}

// EventFunc observes request lifecycle events. Callbacks run on the
// manager's goroutines and must not block.
type EventFunc func(Event)
