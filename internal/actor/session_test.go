package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/evermind-ai/evermind/internal/session"
	"github.com/evermind-ai/evermind/pkg/models"
)

// fakeActivities scripts activity outcomes per call.
type fakeActivities struct {
	mu           sync.Mutex
	initErrs     []error
	turns        []func(req TurnRequest) (*TurnResult, error)
	initCalls    int
	cleanupCalls int
}

func (f *fakeActivities) InitializeSession(ctx context.Context, p session.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if len(f.initErrs) == 0 {
		return nil
	}
	err := f.initErrs[0]
	f.initErrs = f.initErrs[1:]
	return err
}

func (f *fakeActivities) ExecuteTurn(ctx context.Context, sess *session.Context, req TurnRequest) (*TurnResult, error) {
	f.mu.Lock()
	var fn func(req TurnRequest) (*TurnResult, error)
	if len(f.turns) > 0 {
		fn = f.turns[0]
		f.turns = f.turns[1:]
	}
	f.mu.Unlock()
	if fn == nil {
		return &TurnResult{Response: "ok"}, nil
	}
	return fn(req)
}

func (f *fakeActivities) CleanupSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
	return nil
}

func (f *fakeActivities) counts() (init, cleanup int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.cleanupCalls
}

// SessionActorSuite is a test suite for the session actor lifecycle and
// recovery behavior.
type SessionActorSuite struct {
	suite.Suite
	cache      *session.Cache
	activities *fakeActivities
	builds     atomic.Int32
	ctx        context.Context
}

func (s *SessionActorSuite) SetupTest() {
	s.cache = session.NewCache(time.Hour, nil)
	s.activities = &fakeActivities{}
	s.builds.Store(0)
	s.ctx = context.Background()
}

func TestSessionActorSuite(t *testing.T) {
	suite.Run(t, new(SessionActorSuite))
}

func (s *SessionActorSuite) newActor(cfg SessionConfig) *SessionActor {
	if cfg.Params.TenantID == "" {
		cfg.Params = session.Params{
			TenantID: "tenant-1", ProjectID: "proj-1", AgentMode: "chat",
			Hashes: models.ComponentHashes{Tools: "t1"},
		}
	}
	if cfg.Build == nil {
		cfg.Build = func(ctx context.Context) (any, error) {
			s.builds.Add(1)
			return "components", nil
		}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{StartToCloseTimeout: time.Second, InitialInterval: time.Millisecond, BackoffCoefficient: 1.5, MaxAttempts: 1}
	}
	return NewSessionActor(cfg, s.cache, s.activities, nil)
}

// start runs the actor and waits for it to leave INITIALIZING.
func (s *SessionActorSuite) start(a *SessionActor) chan error {
	done := make(chan error, 1)
	go func() { done <- a.Run(s.ctx) }()
	s.waitForState(a, StateReady)
	return done
}

func (s *SessionActorSuite) waitForState(a *SessionActor, want State) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.GetStatus() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.FailNowf("state not reached", "wanted %s, have %s", want, a.GetStatus())
}

// TestLifecycle tests CREATED through STOPPED with cleanup exactly once.
func (s *SessionActorSuite) TestLifecycle() {
	a := s.newActor(SessionConfig{})
	s.Equal(StateCreated, a.GetStatus())

	done := s.start(a)

	result, err := a.Chat(s.ctx, TurnRequest{ConversationID: "c1", Message: "hi"})
	s.Require().NoError(err)
	s.Equal("ok", result.Response)
	s.Empty(result.Error)

	a.Stop()
	s.Require().NoError(<-done)
	s.Equal(StateStopped, a.GetStatus())

	_, cleanups := s.activities.counts()
	s.Equal(1, cleanups)

	// Stop after stop is a no-op.
	a.Stop()
}

// TestInitFailure tests retry exhaustion during initialization: FAILED
// state, surfaced error, cleanup still attempted.
func (s *SessionActorSuite) TestInitFailure() {
	boom := errors.New("provider down")
	s.activities.initErrs = []error{boom, boom}

	a := s.newActor(SessionConfig{
		Retry: RetryPolicy{StartToCloseTimeout: time.Second, InitialInterval: time.Millisecond, BackoffCoefficient: 1.5, MaxAttempts: 2},
	})
	err := a.Run(s.ctx)
	s.ErrorIs(err, boom)
	s.Equal(StateFailed, a.GetStatus())
	s.ErrorIs(a.LastError(), boom)

	inits, cleanups := s.activities.counts()
	s.Equal(2, inits)
	s.Equal(1, cleanups)
}

// TestInitRetrySucceeds tests that a transient init failure is retried
// within the policy.
func (s *SessionActorSuite) TestInitRetrySucceeds() {
	s.activities.initErrs = []error{errors.New("transient")}

	a := s.newActor(SessionConfig{
		Retry: RetryPolicy{StartToCloseTimeout: time.Second, InitialInterval: time.Millisecond, BackoffCoefficient: 1.5, MaxAttempts: 3},
	})
	done := s.start(a)
	a.Stop()
	s.Require().NoError(<-done)

	inits, _ := s.activities.counts()
	s.Equal(2, inits)
}

// TestChatBeforeReady tests the READY guard.
func (s *SessionActorSuite) TestChatBeforeReady() {
	a := s.newActor(SessionConfig{})
	_, err := a.Chat(s.ctx, TurnRequest{Message: "hi"})
	s.ErrorIs(err, ErrNotReady)
}

// TestRecoverableTurn tests the auto-recovery path: a turn failure
// mentioning stale session state triggers one forced refresh and one
// retry, and success refills the budget.
func (s *SessionActorSuite) TestRecoverableTurn() {
	s.activities.turns = []func(req TurnRequest) (*TurnResult, error){
		func(req TurnRequest) (*TurnResult, error) { return nil, errors.New("session expired upstream") },
		func(req TurnRequest) (*TurnResult, error) { return &TurnResult{Response: "recovered"}, nil },
	}

	a := s.newActor(SessionConfig{RecoveryBudget: 3})
	done := s.start(a)

	result, err := a.Chat(s.ctx, TurnRequest{ConversationID: "c1", Message: "hi"})
	s.Require().NoError(err)
	s.Equal("recovered", result.Response)
	s.True(result.Recovered)

	// One build for the first GetOrCreate, one for the forced refresh.
	s.Equal(int32(2), s.builds.Load())

	m := a.GetMetrics()
	s.Equal(int64(1), m.Recoveries)
	s.Equal(3, m.RecoveryBudget)

	a.Stop()
	s.Require().NoError(<-done)
}

// TestNonRecoverableTurn tests that an unrelated failure comes back as
// an error-flagged result without touching the cache or the budget.
func (s *SessionActorSuite) TestNonRecoverableTurn() {
	s.activities.turns = []func(req TurnRequest) (*TurnResult, error){
		func(req TurnRequest) (*TurnResult, error) { return nil, errors.New("rate limit hit") },
	}

	a := s.newActor(SessionConfig{})
	done := s.start(a)

	result, err := a.Chat(s.ctx, TurnRequest{Message: "hi"})
	s.Require().NoError(err)
	s.Contains(result.Error, "rate limit")
	s.False(result.Recovered)
	s.Equal(int32(1), s.builds.Load())

	m := a.GetMetrics()
	s.Equal(DefaultRecoveryBudget, m.RecoveryBudget)
	s.Equal(int64(1), m.FailedTurns)

	a.Stop()
	s.Require().NoError(<-done)
}

// TestRecoveryBudgetExhausted tests that refreshes stop once the budget
// is spent.
func (s *SessionActorSuite) TestRecoveryBudgetExhausted() {
	recoverable := func(req TurnRequest) (*TurnResult, error) {
		return nil, errors.New("session not found")
	}
	s.activities.turns = []func(req TurnRequest) (*TurnResult, error){
		recoverable, recoverable, // first chat: original attempt + post-refresh attempt
		recoverable, // second chat: original attempt only, budget gone
	}

	a := s.newActor(SessionConfig{RecoveryBudget: 1})
	done := s.start(a)

	result, err := a.Chat(s.ctx, TurnRequest{Message: "hi"})
	s.Require().NoError(err)
	s.NotEmpty(result.Error)

	buildsAfterFirst := s.builds.Load()
	s.Equal(int32(2), buildsAfterFirst) // initial build + one refresh

	result, err = a.Chat(s.ctx, TurnRequest{Message: "hi again"})
	s.Require().NoError(err)
	s.NotEmpty(result.Error)
	s.Equal(buildsAfterFirst, s.builds.Load()) // no refresh without budget

	a.Stop()
	s.Require().NoError(<-done)
}

// TestIdleTimeout tests that an idle actor stops on its own.
func (s *SessionActorSuite) TestIdleTimeout() {
	a := s.newActor(SessionConfig{IdleTimeout: 40 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- a.Run(s.ctx) }()

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("idle timeout never fired")
	}
	s.Equal(StateStopped, a.GetStatus())
}

// TestExtendTimeout tests that the signal resets the idle clock.
func (s *SessionActorSuite) TestExtendTimeout() {
	a := s.newActor(SessionConfig{IdleTimeout: 80 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- a.Run(s.ctx) }()
	s.waitForState(a, StateReady)

	time.Sleep(40 * time.Millisecond)
	a.ExtendTimeout(500 * time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	s.Equal(StateReady, a.GetStatus())

	a.Stop()
	s.Require().NoError(<-done)
}

// TestRefreshSession tests the explicit force-rebuild call.
func (s *SessionActorSuite) TestRefreshSession() {
	a := s.newActor(SessionConfig{})
	done := s.start(a)

	_, err := a.Chat(s.ctx, TurnRequest{Message: "hi"})
	s.Require().NoError(err)
	s.Equal(int32(1), s.builds.Load())

	s.Require().NoError(a.RefreshSession(s.ctx))
	s.Equal(int32(2), s.builds.Load())

	a.Stop()
	s.Require().NoError(<-done)
}

// TestContextCancelStops tests that cancelling the run context tears
// down cleanly.
func (s *SessionActorSuite) TestContextCancelStops() {
	ctx, cancel := context.WithCancel(s.ctx)
	a := s.newActor(SessionConfig{})
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	s.waitForState(a, StateReady)

	cancel()
	s.Require().NoError(<-done)
	s.Equal(StateStopped, a.GetStatus())

	_, cleanups := s.activities.counts()
	s.Equal(1, cleanups)
}
