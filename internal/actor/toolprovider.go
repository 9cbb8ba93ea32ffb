package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultHeartbeatInterval spaces tool-provider health probes.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMaxMissedBeats is how many consecutive failed heartbeats
	// mark a provider unhealthy.
	DefaultMaxMissedBeats = 3
	// DefaultInvokeOverhead pads per-call invocation timeouts to cover
	// transport and scheduling cost around the tool itself.
	DefaultInvokeOverhead = 5 * time.Second
)

// ToolProvider is one external tool-provider connection. Connect and
// Close bracket the lifetime; Heartbeat probes liveness in between.
type ToolProvider interface {
	Connect(ctx context.Context) error
	Heartbeat(ctx context.Context) error
	ListTools(ctx context.Context) ([]string, error)
	Call(ctx context.Context, tool string, args map[string]any) (any, error)
	Close(ctx context.Context) error
}

// ToolProviderConfig configures one tool-provider actor.
type ToolProviderConfig struct {
	Name              string
	Retry             RetryPolicy
	HeartbeatInterval time.Duration
	MaxMissedBeats    int
	InvokeOverhead    time.Duration
}

// ProviderStatus is a read-only snapshot of one provider connection.
type ProviderStatus struct {
	Name        string   `json:"name"`
	State       State    `json:"state"`
	Healthy     bool     `json:"healthy"`
	MissedBeats int      `json:"missed_beats"`
	Tools       []string `json:"tools,omitempty"`
}

// ToolProviderActor owns one tool-provider connection: it connects with
// retry, keeps a heartbeat loop, answers synchronous invocations about
// the connection and guarantees teardown on every exit. It validates
// the same long-lived-resource-owner shape as SessionActor.
type ToolProviderActor struct {
	cfg      ToolProviderConfig
	provider ToolProvider

	mu          sync.Mutex
	state       State
	healthy     bool
	missedBeats int
	tools       []string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewToolProviderActor creates a tool-provider actor in CREATED.
func NewToolProviderActor(cfg ToolProviderConfig, provider ToolProvider) *ToolProviderActor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxMissedBeats <= 0 {
		cfg.MaxMissedBeats = DefaultMaxMissedBeats
	}
	if cfg.InvokeOverhead <= 0 {
		cfg.InvokeOverhead = DefaultInvokeOverhead
	}
	cfg.Retry = cfg.Retry.withDefaults()
	return &ToolProviderActor{
		cfg:      cfg,
		provider: provider,
		state:    StateCreated,
		stopCh:   make(chan struct{}),
	}
}

// Run connects the provider with retry, then heartbeats until stopped.
// Close is attempted once on every exit path.
func (a *ToolProviderActor) Run(ctx context.Context) error {
	a.mu.Lock()
	a.state = StateInitializing
	a.mu.Unlock()

	if err := a.cfg.Retry.run(ctx, a.provider.Connect); err != nil {
		log.Error().Err(err).Str("provider", a.cfg.Name).Msg("Tool provider connect failed")
		a.teardown()
		a.mu.Lock()
		a.state = StateFailed
		a.mu.Unlock()
		return fmt.Errorf("connect tool provider %s: %w", a.cfg.Name, err)
	}

	tools, err := a.provider.ListTools(ctx)
	if err != nil {
		log.Warn().Err(err).Str("provider", a.cfg.Name).Msg("Tool listing failed")
	}

	a.mu.Lock()
	a.state = StateReady
	a.healthy = true
	a.tools = tools
	a.mu.Unlock()
	log.Info().Str("provider", a.cfg.Name).Int("tools", len(tools)).Msg("Tool provider ready")

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-a.stopCh:
			break loop
		case <-ticker.C:
			a.beat(ctx)
		}
	}

	a.mu.Lock()
	a.state = StateStopping
	a.mu.Unlock()
	a.teardown()
	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
	log.Info().Str("provider", a.cfg.Name).Msg("Tool provider stopped")
	return nil
}

// beat runs one heartbeat probe and updates health accounting.
func (a *ToolProviderActor) beat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, a.cfg.Retry.StartToCloseTimeout)
	err := a.provider.Heartbeat(beatCtx)
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.missedBeats++
		if a.missedBeats >= a.cfg.MaxMissedBeats {
			a.healthy = false
		}
		log.Warn().Err(err).Str("provider", a.cfg.Name).Int("missedBeats", a.missedBeats).Msg("Heartbeat failed")
		return
	}
	a.missedBeats = 0
	a.healthy = true
}

func (a *ToolProviderActor) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := a.provider.Close(ctx); err != nil {
		log.Warn().Err(err).Str("provider", a.cfg.Name).Msg("Tool provider close failed")
	}
}

// Invoke calls one tool with a per-call timeout padded by the overhead
// margin.
func (a *ToolProviderActor) Invoke(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (any, error) {
	a.mu.Lock()
	if a.state != StateReady {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, a.state)
	}
	a.mu.Unlock()

	if timeout <= 0 {
		timeout = a.cfg.Retry.StartToCloseTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout+a.cfg.InvokeOverhead)
	defer cancel()

	result, err := a.provider.Call(callCtx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("invoke %s on %s: %w", tool, a.cfg.Name, err)
	}
	return result, nil
}

// Tools returns the tool list captured at startup.
func (a *ToolProviderActor) Tools() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.tools))
	copy(out, a.tools)
	return out
}

// Status returns a read-only snapshot.
func (a *ToolProviderActor) Status() ProviderStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ProviderStatus{
		Name:        a.cfg.Name,
		State:       a.state,
		Healthy:     a.healthy,
		MissedBeats: a.missedBeats,
		Tools:       a.tools,
	}
}

// Stop signals the Run loop to exit. Idempotent.
func (a *ToolProviderActor) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}
