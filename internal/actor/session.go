package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evermind-ai/evermind/internal/session"
	"github.com/evermind-ai/evermind/internal/telemetry"
)

const (
	// DefaultIdleTimeout stops a session actor that served no turn for
	// this long.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultRecoveryBudget is how many automatic session refreshes a
	// session actor may spend before surfacing recoverable errors as-is.
	DefaultRecoveryBudget = 3

	cleanupTimeout = 10 * time.Second
)

// SessionConfig configures one session actor.
type SessionConfig struct {
	Params         session.Params
	Build          session.BuildFunc
	IdleTimeout    time.Duration
	Retry          RetryPolicy
	RecoveryBudget int
}

// SessionMetrics is a read-only snapshot of one session actor's counters.
type SessionMetrics struct {
	ChatsServed     int64 `json:"chats_served"`
	ActiveChats     int64 `json:"active_chats"`
	Recoveries      int64 `json:"recoveries"`
	FailedTurns     int64 `json:"failed_turns"`
	RecoveryBudget  int   `json:"recovery_budget"`
	LastTurnAtEpoch int64 `json:"last_turn_at_epoch,omitempty"`
}

// SessionActor owns one tenant/project/mode agent session. Run drives
// the lifecycle; Chat, RefreshSession, GetStatus and GetMetrics may be
// dispatched concurrently with each other while Run is blocked in READY.
type SessionActor struct {
	cfg        SessionConfig
	cache      *session.Cache
	activities Activities
	metrics    *telemetry.Metrics

	mu           sync.Mutex
	state        State
	lastErr      error
	recoveryLeft int
	stats        SessionMetrics

	stopOnce sync.Once
	stopCh   chan struct{}
	extendCh chan time.Duration
}

// NewSessionActor creates a session actor in CREATED. metrics may be nil.
func NewSessionActor(cfg SessionConfig, cache *session.Cache, activities Activities, metrics *telemetry.Metrics) *SessionActor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RecoveryBudget <= 0 {
		cfg.RecoveryBudget = DefaultRecoveryBudget
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &SessionActor{
		cfg:          cfg,
		cache:        cache,
		activities:   activities,
		metrics:      metrics,
		state:        StateCreated,
		recoveryLeft: cfg.RecoveryBudget,
		stopCh:       make(chan struct{}),
		extendCh:     make(chan time.Duration, 1),
	}
}

func (a *SessionActor) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Run initializes the session, then blocks until stopped, idle-timed-out
// or the context ends. Cleanup runs exactly once on every exit path.
func (a *SessionActor) Run(ctx context.Context) error {
	a.setState(StateInitializing)
	key := a.cfg.Params.Key()

	if err := a.cfg.Retry.run(ctx, func(ctx context.Context) error {
		return a.activities.InitializeSession(ctx, a.cfg.Params)
	}); err != nil {
		log.Error().Err(err).Str("sessionKey", key).Msg("Session actor initialization failed")
		a.cleanup()
		a.mu.Lock()
		a.state = StateFailed
		a.lastErr = err
		a.mu.Unlock()
		return fmt.Errorf("initialize session %s: %w", key, err)
	}

	a.setState(StateReady)
	log.Info().Str("sessionKey", key).Msg("Session actor ready")

	idle := time.NewTimer(a.cfg.IdleTimeout)
	defer idle.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-a.stopCh:
			break loop
		case <-idle.C:
			log.Info().Str("sessionKey", key).Dur("idleTimeout", a.cfg.IdleTimeout).Msg("Session actor idle timeout")
			break loop
		case d := <-a.extendCh:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			if d <= 0 {
				d = a.cfg.IdleTimeout
			}
			idle.Reset(d)
		}
	}

	a.setState(StateStopping)
	a.cleanup()
	a.setState(StateStopped)
	log.Info().Str("sessionKey", key).Msg("Session actor stopped")
	return nil
}

// cleanup makes a single best-effort cleanup attempt with its own
// deadline, detached from the caller's context so a cancelled Run still
// tears down.
func (a *SessionActor) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := a.activities.CleanupSession(ctx); err != nil {
		log.Warn().Err(err).Str("sessionKey", a.cfg.Params.Key()).Msg("Session cleanup failed")
	}
}

// Chat executes one turn against the cache-backed session. A failure
// whose message matches the recoverable vocabulary spends one unit of
// recovery budget on a forced session refresh and a single extra
// attempt; a successful recovery refills the budget. Other failures
// come back as an error-flagged TurnResult.
func (a *SessionActor) Chat(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	a.mu.Lock()
	if a.state != StateReady {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, a.state)
	}
	a.stats.ActiveChats++
	a.mu.Unlock()

	a.metrics.ChatStarted(ctx)
	defer func() {
		a.metrics.ChatFinished(ctx)
		a.mu.Lock()
		a.stats.ActiveChats--
		a.mu.Unlock()
	}()

	sess, _, err := a.cache.GetOrCreate(ctx, a.cfg.Params, a.cfg.Build)
	if err != nil {
		return nil, fmt.Errorf("session for chat: %w", err)
	}

	result, err := a.executeTurn(ctx, sess, req)
	if err == nil {
		a.finishTurn(result, false)
		return result, nil
	}

	if a.spendRecovery(err) {
		log.Warn().Err(err).Str("sessionKey", a.cfg.Params.Key()).Msg("Recoverable turn failure, refreshing session")
		refreshed, rerr := a.cache.Refresh(ctx, a.cfg.Params, a.cfg.Build)
		if rerr == nil {
			// One extra attempt on the rebuilt session, no further retries.
			attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Retry.StartToCloseTimeout)
			result, err = a.activities.ExecuteTurn(attemptCtx, refreshed, req)
			cancel()
			if err == nil {
				result.Recovered = true
				a.mu.Lock()
				a.recoveryLeft = a.cfg.RecoveryBudget
				a.stats.Recoveries++
				a.mu.Unlock()
				a.finishTurn(result, false)
				return result, nil
			}
		} else {
			log.Error().Err(rerr).Str("sessionKey", a.cfg.Params.Key()).Msg("Session refresh failed during recovery")
		}
	}

	log.Error().Err(err).Str("sessionKey", a.cfg.Params.Key()).Str("conversationID", req.ConversationID).Msg("Turn failed")
	failed := &TurnResult{Error: err.Error()}
	a.finishTurn(failed, true)
	return failed, nil
}

// executeTurn invokes the turn activity under the retry policy.
func (a *SessionActor) executeTurn(ctx context.Context, sess *session.Context, req TurnRequest) (*TurnResult, error) {
	var result *TurnResult
	err := a.cfg.Retry.run(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.activities.ExecuteTurn(ctx, sess, req)
		return err
	})
	return result, err
}

// spendRecovery consumes one unit of recovery budget when err is
// recoverable and budget remains.
func (a *SessionActor) spendRecovery(err error) bool {
	if !isRecoverable(err) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recoveryLeft <= 0 {
		return false
	}
	a.recoveryLeft--
	return true
}

func (a *SessionActor) finishTurn(result *TurnResult, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.ChatsServed++
	a.stats.LastTurnAtEpoch = time.Now().UnixMilli()
	if failed {
		a.stats.FailedTurns++
	}
}

// RefreshSession force-rebuilds the cached components without
// restarting the actor.
func (a *SessionActor) RefreshSession(ctx context.Context) error {
	_, err := a.cache.Refresh(ctx, a.cfg.Params, a.cfg.Build)
	return err
}

// GetStatus returns the current lifecycle state.
func (a *SessionActor) GetStatus() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the initialization error for a FAILED actor.
func (a *SessionActor) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// GetMetrics returns a snapshot of the actor's counters. The active
// chat count is observability only; it does not gate admission.
func (a *SessionActor) GetMetrics() SessionMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.stats
	out.RecoveryBudget = a.recoveryLeft
	return out
}

// Stop signals the Run loop to exit. Idempotent.
func (a *SessionActor) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// ExtendTimeout resets the idle clock to d (the configured idle timeout
// when d is zero). A signal racing loop shutdown is dropped.
func (a *SessionActor) ExtendTimeout(d time.Duration) {
	select {
	case a.extendCh <- d:
	default:
	}
}
