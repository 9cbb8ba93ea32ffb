package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/evermind-ai/evermind/internal/telemetry"
	"github.com/evermind-ai/evermind/internal/transport"
	"github.com/evermind-ai/evermind/pkg/models"
)

const (
	// DefaultTimeout is the wait budget applied when a caller passes 0.
	DefaultTimeout = 5 * time.Minute
	// defaultStreamMaxLen caps response streams at append time.
	defaultStreamMaxLen = 1000
	// readBlock is how long one blocking group read waits before the
	// listener rechecks cancellation.
	readBlock = 500 * time.Millisecond
)

// RecoveryStore is the persistence boundary the manager needs: create,
// read and update-status on request records. Implemented by
// internal/db/gorm.RequestStore.
type RecoveryStore interface {
	CreateRequest(ctx context.Context, req *models.HITLRequest) error
	GetRequest(ctx context.Context, id string) (*models.HITLRequest, error)
	UpdateStatus(ctx context.Context, id string, status models.RequestStatus, response string) error
	LatestPending(ctx context.Context, conversationID string, reqType models.RequestType) (*models.HITLRequest, error)
	MarkExpired(ctx context.Context, cutoffEpoch int64) (int64, error)
}

// Options configures a Manager.
type Options struct {
	GroupPrefix  string // consumer group prefix, default "hitl"
	StreamMaxLen int64  // response stream cap, default 1000
}

// Manager coordinates the lifecycle of human-in-the-loop requests.
// The answering side and the waiting side may be different processes:
// local resolution is tried first, then the durable stream, then the
// ephemeral fallback channel.
type Manager struct {
	transport transport.Transport
	store     RecoveryStore // nil disables persistence (single-process mode)
	metrics   *telemetry.Metrics
	opts      Options
	consumer  string

	mu      sync.RWMutex
	pending map[string]*pendingRequest
	onEvent EventFunc
}

type pendingRequest struct {
	req         *models.HITLRequest
	resolveOnce sync.Once
	resolveCh   chan string // buffered, one resolution
	cancelWait  context.CancelFunc
}

// NewManager creates a manager over the given transport and store.
// store may be nil; persistence then degrades to best-effort-off and
// redirection is limited to locally registered requests.
func NewManager(tr transport.Transport, store RecoveryStore, metrics *telemetry.Metrics, opts Options) *Manager {
	if opts.GroupPrefix == "" {
		opts.GroupPrefix = "hitl"
	}
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = defaultStreamMaxLen
	}
	return &Manager{
		transport: tr,
		store:     store,
		metrics:   metrics,
		opts:      opts,
		consumer:  newConsumerName(),
		pending:   make(map[string]*pendingRequest),
	}
}

// SetOnEvent registers a lifecycle event observer.
func (m *Manager) SetOnEvent(fn EventFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = fn
}

func (m *Manager) emit(ev Event) {
	m.mu.RLock()
	fn := m.onEvent
	m.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// Register stores a request in the local registry and persists it
// best-effort. A persistence failure is logged, not fatal: the in-memory
// path still works, only cross-process recovery degrades.
func (m *Manager) Register(ctx context.Context, req *models.HITLRequest, timeout time.Duration) error {
	if req.ID == "" {
		req.ID = NewRequestID()
	}
	if req.Type == "" {
		return fmt.Errorf("register request %s: missing type", req.ID)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := time.Now()
	if req.CreatedAtEpoch == 0 {
		req.CreatedAtEpoch = now.UnixMilli()
		req.CreatedAt = now.Format(time.RFC3339)
	}
	if req.ExpiresAtEpoch == 0 {
		req.ExpiresAtEpoch = now.Add(timeout).UnixMilli()
	}
	req.Status = models.RequestStatusPending

	m.mu.Lock()
	if _, exists := m.pending[req.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("register request %s: already registered", req.ID)
	}
	m.pending[req.ID] = &pendingRequest{
		req:       req,
		resolveCh: make(chan string, 1),
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.CreateRequest(ctx, req); err != nil {
			log.Warn().Err(err).Str("requestId", req.ID).Msg("Failed to persist HITL request, continuing in-memory only")
		}
	}

	log.Debug().
		Str("requestId", req.ID).
		Str("type", string(req.Type)).
		Str("conversationId", req.ConversationID).
		Msg("HITL request registered")
	m.metrics.RequestRegistered(ctx, string(req.Type))
	m.emit(Event{Kind: EventRegistered, RequestID: req.ID, Type: req.Type})
	return nil
}

// Resolve completes a locally registered request. It is idempotent: the
// first resolution wins and later calls (even with a different payload)
// return false without changing the observed result.
func (m *Manager) Resolve(id, response string) bool {
	m.mu.RLock()
	p := m.pending[id]
	m.mu.RUnlock()
	if p == nil {
		return false
	}
	resolved := false
	p.resolveOnce.Do(func() {
		p.resolveCh <- response
		resolved = true
	})
	return resolved
}

// WaitForResponse blocks until the request is resolved, the wait budget
// elapses, or ctx is cancelled. Three listeners race: the local
// resolution signal, a consumer-group reader on the durable stream, and
// a pub/sub fallback subscriber. The first to produce the response wins;
// the rest are cancelled and joined before returning, so exactly one
// outcome is ever produced and no listener goroutine outlives the call.
//
// On timeout the persisted row is marked TIMEOUT and def is returned
// when non-nil, otherwise ErrTimeout.
func (m *Manager) WaitForResponse(ctx context.Context, id string, timeout time.Duration, def *string) (string, error) {
	m.mu.RLock()
	p := m.pending[id]
	m.mu.RUnlock()
	if p == nil {
		return "", ErrNotFound
	}
	req := p.req
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
	defer cancelWait()

	m.mu.Lock()
	p.cancelWait = cancelWait
	m.mu.Unlock()

	results := make(chan string, 3)
	g, gctx := errgroup.WithContext(waitCtx)

	// Listener 1: local resolution signal.
	g.Go(func() error {
		select {
		case resp := <-p.resolveCh:
			results <- resp
		case <-gctx.Done():
		}
		return nil
	})

	// Listener 2: durable stream via consumer group. The group starts at
	// "0" so a response published before this waiter came up (process
	// restart) is replayed, not lost.
	g.Go(func() error {
		key := streamKey(req.Type, id)
		group := groupName(m.opts.GroupPrefix, req.Type)
		if err := m.transport.CreateGroup(gctx, key, group, "0"); err != nil {
			if gctx.Err() == nil {
				log.Warn().Err(err).Str("requestId", id).Msg("Failed to create consumer group, stream path disabled for this wait")
			}
			return nil
		}
		for {
			if gctx.Err() != nil {
				return nil
			}
			msgs, err := m.transport.StreamReadGroup(gctx, key, group, m.consumer, 16, readBlock)
			if err != nil {
				if gctx.Err() == nil {
					log.Warn().Err(err).Str("requestId", id).Msg("Stream listener read failed")
				}
				return nil
			}
			for _, msg := range msgs {
				if _, err := m.transport.Ack(gctx, key, group, msg.ID); err != nil && gctx.Err() == nil {
					log.Warn().Err(err).Str("requestId", id).Str("entryId", msg.ID).Msg("Failed to ack stream entry")
				}
				if resp, ok := decodeEnvelope(msg.Payload, id); ok {
					results <- resp
					return nil
				}
			}
		}
	})

	// Listener 3: ephemeral pub/sub fallback.
	ch, cancelSub, err := m.transport.Subscribe(ctx, fallbackChannel(req.Type, id))
	if err != nil {
		log.Warn().Err(err).Str("requestId", id).Msg("Failed to subscribe fallback channel, pub/sub path disabled for this wait")
	} else {
		defer cancelSub()
		g.Go(func() error {
			for {
				select {
				case msg, ok := <-ch:
					if !ok {
						return nil
					}
					if resp, ok := decodeEnvelope(msg.Payload, id); ok {
						results <- resp
						return nil
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	var resp string
	timedOut := false
	select {
	case resp = <-results:
	case <-waitCtx.Done():
		timedOut = true
	}
	cancelWait()
	_ = g.Wait()

	// A response may have raced the deadline; prefer it over the timeout.
	if timedOut {
		select {
		case resp = <-results:
			timedOut = false
		default:
		}
	}

	m.Unregister(id)

	if timedOut {
		if m.store != nil {
			if err := m.store.UpdateStatus(ctx, id, models.RequestStatusTimeout, ""); err != nil {
				log.Warn().Err(err).Str("requestId", id).Msg("Failed to persist TIMEOUT status")
			}
		}
		m.metrics.RequestTimedOut(ctx, string(req.Type))
		m.emit(Event{Kind: EventTimedOut, RequestID: id, Type: req.Type})
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if def != nil {
			log.Debug().Str("requestId", id).Msg("HITL wait timed out, returning default")
			return *def, nil
		}
		return "", fmt.Errorf("request %s: %w", id, ErrTimeout)
	}

	if m.store != nil {
		if err := m.store.UpdateStatus(ctx, id, models.RequestStatusCompleted, resp); err != nil {
			log.Warn().Err(err).Str("requestId", id).Msg("Failed to persist COMPLETED status")
		}
	}
	// The response stream is single-purpose; drop its entries now that
	// the waiter is satisfied.
	if _, err := m.transport.Trim(ctx, streamKey(req.Type, id), 0); err != nil {
		log.Debug().Err(err).Str("requestId", id).Msg("Failed to trim response stream")
	}

	m.metrics.RequestResolved(ctx, string(req.Type))
	m.emit(Event{Kind: EventResolved, RequestID: id, Type: req.Type, Response: resp})
	return resp, nil
}

// Respond resolves a request from the answering side, which may be a
// different process than the waiter and may hold a stale request id
// (the page-refresh case: a reloaded browser answers request A while the
// worker re-registered as request B). The persisted row for id is always
// updated; the response is then redirected to the latest still-PENDING
// request of the same conversation and type, locally first, then over
// the durable stream, then the fallback channel. Returns the id of the
// request that actually received the response.
func (m *Manager) Respond(ctx context.Context, id, response string) (string, error) {
	var rec *models.HITLRequest
	if m.store != nil {
		var err error
		rec, err = m.store.GetRequest(ctx, id)
		if err != nil {
			return "", err
		}
		if rec != nil {
			if err := m.store.UpdateStatus(ctx, id, models.RequestStatusAnswered, response); err != nil {
				log.Warn().Err(err).Str("requestId", id).Msg("Failed to persist ANSWERED status")
			}
		}
	}

	m.mu.RLock()
	local := m.pending[id]
	m.mu.RUnlock()

	meta := rec
	if meta == nil && local != nil {
		meta = local.req
	}
	if meta == nil {
		return "", ErrNotFound
	}

	// Find the authoritative target: the latest still-pending request of
	// the same conversation and type. It may be id itself.
	target := meta
	if m.store != nil {
		lp, err := m.store.LatestPending(ctx, meta.ConversationID, meta.Type)
		if err != nil {
			log.Warn().Err(err).Str("requestId", id).Msg("Redirection lookup failed, responding to original id")
		} else if lp != nil {
			target = lp
		}
	}

	resolvedLocally := m.Resolve(id, response)
	if !resolvedLocally && target.ID != id {
		resolvedLocally = m.Resolve(target.ID, response)
	}

	if !resolvedLocally {
		env, err := json.Marshal(responseEnvelope{RequestID: target.ID, Response: response})
		if err != nil {
			return "", fmt.Errorf("encode response for %s: %w", target.ID, err)
		}
		_, streamErr := m.transport.StreamAppend(ctx, streamKey(target.Type, target.ID), env, m.opts.StreamMaxLen)
		if streamErr != nil {
			log.Warn().Err(streamErr).Str("requestId", target.ID).Msg("Failed to append response to stream, relying on fallback channel")
		}
		_, pubErr := m.transport.Publish(ctx, fallbackChannel(target.Type, target.ID), env)
		if streamErr != nil && pubErr != nil {
			return "", fmt.Errorf("deliver response for %s: stream: %v, channel: %w", target.ID, streamErr, pubErr)
		}
	}

	if target.ID != id && m.store != nil {
		if err := m.store.UpdateStatus(ctx, target.ID, models.RequestStatusAnswered, response); err != nil {
			log.Warn().Err(err).Str("requestId", target.ID).Msg("Failed to persist redirected ANSWERED status")
		}
		log.Info().
			Str("respondedId", id).
			Str("targetId", target.ID).
			Str("conversationId", target.ConversationID).
			Msg("Response redirected to superseding request")
		m.metrics.RequestRedirected(ctx)
	}

	return target.ID, nil
}

// Cancel removes a request, aborts any in-flight wait and persists the
// CANCELLED status. Cancelling an unknown or already-resolved request is
// a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if p.cancelWait != nil {
		p.cancelWait()
	}
	if m.store != nil {
		if err := m.store.UpdateStatus(ctx, id, models.RequestStatusCancelled, ""); err != nil {
			log.Warn().Err(err).Str("requestId", id).Msg("Failed to persist CANCELLED status")
		}
	}
	log.Debug().Str("requestId", id).Msg("HITL request cancelled")
	m.emit(Event{Kind: EventCancelled, RequestID: id, Type: p.req.Type})
}

// Unregister removes a request from the local registry without touching
// the persisted row. Idempotent.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// PendingCount returns the number of locally registered requests.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// SweepExpired marks all persisted PENDING requests past their expiry
// deadline as TIMEOUT. Invoked periodically by the hosting process.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	if m.store == nil {
		return 0, nil
	}
	n, err := m.store.MarkExpired(ctx, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("Expired HITL requests marked TIMEOUT")
	}
	return n, nil
}

// decodeEnvelope parses a transport payload and returns the response if
// it addresses the given request. A malformed payload is logged and
// skipped so one bad message cannot stall a waiter.
func decodeEnvelope(payload []byte, wantID string) (string, bool) {
	var env responseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Str("requestId", wantID).Msg("Malformed response envelope, skipping")
		return "", false
	}
	if env.RequestID != wantID {
		return "", false
	}
	return env.Response, true
}
