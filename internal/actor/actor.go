// Package actor provides long-lived durable actors for evermind: a
// session actor owning one agent session and a tool-provider actor
// owning one external tool connection. Both follow the same shape:
// a Run loop that owns the resource lifecycle, synchronous calls about
// the resource, read-only queries, async signals, and teardown
// guaranteed on every exit path. The work itself (model calls, tool
// execution, persistence writes) lives behind the Activities boundary.
package actor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/evermind-ai/evermind/internal/session"
)

// State is the lifecycle state of an actor.
type State string

const (
	StateCreated      State = "CREATED"
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateFailed       State = "FAILED"
)

// ErrNotReady is returned by synchronous calls before Run has reached
// READY or after the actor stopped.
var ErrNotReady = errors.New("actor: not ready")

// TurnRequest is one chat turn handed to the session actor.
type TurnRequest struct {
	ConversationID string            `json:"conversation_id"`
	Message        string            `json:"message"`
	Overrides      map[string]string `json:"overrides,omitempty"`
}

// TurnResult is the outcome of one turn. A failed turn comes back with
// Error set rather than as a Go error: turn failures cross the actor
// boundary as data, infrastructure failures as errors.
type TurnResult struct {
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
	Recovered bool   `json:"recovered,omitempty"`
}

// Activities is the external collaborator executing the actual work of
// a session actor. Each method is invoked under a RetryPolicy with an
// explicit start-to-close timeout.
type Activities interface {
	InitializeSession(ctx context.Context, p session.Params) error
	ExecuteTurn(ctx context.Context, sess *session.Context, req TurnRequest) (*TurnResult, error)
	CleanupSession(ctx context.Context) error
}

// RetryPolicy bounds one activity invocation: per-attempt timeout plus
// exponential backoff between attempts.
type RetryPolicy struct {
	StartToCloseTimeout time.Duration
	InitialInterval     time.Duration
	BackoffCoefficient  float64
	MaxAttempts         uint64
}

// DefaultRetryPolicy returns the policy used when a config leaves the
// fields zero.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		StartToCloseTimeout: 30 * time.Second,
		InitialInterval:     100 * time.Millisecond,
		BackoffCoefficient:  2.0,
		MaxAttempts:         3,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.StartToCloseTimeout <= 0 {
		p.StartToCloseTimeout = def.StartToCloseTimeout
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = def.BackoffCoefficient
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// run executes fn under the policy: every attempt gets its own
// start-to-close deadline, attempts are spaced by exponential backoff,
// and the whole loop stops after MaxAttempts or when ctx is done.
func (p RetryPolicy) run(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.Multiplier = p.BackoffCoefficient
	bo.MaxElapsedTime = 0

	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.StartToCloseTimeout)
		defer cancel()
		return fn(attemptCtx)
	}
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, p.MaxAttempts-1), ctx))
}

// recoverableVocabulary marks activity failures worth one automatic
// session refresh: stale or evicted session state the actor can rebuild.
var recoverableVocabulary = []string{"session", "cache", "not found", "expired", "invalid"}

// isRecoverable reports whether an activity error looks like stale
// session state rather than a genuine failure.
func isRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, word := range recoverableVocabulary {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}
