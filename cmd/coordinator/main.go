// Package main provides the evermind coordinator entry point: the
// process hosting the HITL manager, session cache and HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/evermind-ai/evermind/internal/config"
	dbgorm "github.com/evermind-ai/evermind/internal/db/gorm"
	"github.com/evermind-ai/evermind/internal/events"
	"github.com/evermind-ai/evermind/internal/hitl"
	"github.com/evermind-ai/evermind/internal/server"
	"github.com/evermind-ai/evermind/internal/session"
	"github.com/evermind-ai/evermind/internal/telemetry"
	"github.com/evermind-ai/evermind/internal/transport"
	"github.com/evermind-ai/evermind/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	redisAddr := flag.String("redis", "", "Redis address (overrides settings)")
	postgresDSN := flag.String("postgres", "", "Postgres DSN (overrides settings)")
	port := flag.Int("port", 0, "HTTP port (overrides settings)")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directories")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *postgresDSN != "" {
		cfg.PostgresDSN = *postgresDSN
	}
	if *port != 0 {
		cfg.WorkerPort = *port
	}

	policy, err := config.LoadPolicy(config.PolicyPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load channel policy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down coordinator")
		cancel()
	}()

	// Transport
	tr, err := transport.NewRedis(transport.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
	}
	defer tr.Close()

	// Recovery store (optional: without Postgres the coordinator still
	// serves single-process waits, with no cross-process recovery).
	var requestStore *dbgorm.RequestStore
	if cfg.PostgresDSN != "" {
		store, err := dbgorm.NewStore(dbgorm.Config{
			Driver:   "postgres",
			DSN:      cfg.PostgresDSN,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Postgres")
		}
		defer store.Close()
		requestStore = dbgorm.NewRequestStore(store)
	} else {
		log.Warn().Msg("No Postgres DSN configured, running without request persistence")
	}

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to register metrics, continuing without")
	}

	// The manager persists through the store when present; nil disables
	// recovery but keeps the transport paths intact.
	var recoveryStore hitl.RecoveryStore
	if requestStore != nil {
		recoveryStore = requestStore
	}
	manager := hitl.NewManager(tr, recoveryStore, metrics, hitl.Options{
		GroupPrefix:  cfg.GroupPrefix,
		StreamMaxLen: policy.Default.MaxLen,
	})

	cache := session.NewCache(time.Duration(cfg.SessionTTLSeconds)*time.Second, metrics)

	// Lifecycle events out to dashboards.
	broadcaster := events.NewBroadcaster()
	manager.SetOnEvent(func(ev hitl.Event) {
		broadcaster.Publish(events.Event{
			Type:        events.Type(ev.Kind),
			RequestID:   ev.RequestID,
			RequestType: string(ev.Type),
			Response:    ev.Response,
		})
	})
	cache.SetOnEvicted(func(key string) {
		broadcaster.Publish(events.Event{Type: events.TypeSessionEvicted, SessionKey: key})
	})

	startSweepers(ctx, cfg, manager, cache)
	startSettingsWatcher()

	svc := server.New(manager, requestStore, cache, broadcaster, Version)
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Start(fmt.Sprintf(":%d", cfg.WorkerPort))
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
}

// startSweepers runs the periodic expiry loops: PENDING requests past
// their deadline become TIMEOUT, and soft-deleted or idle sessions are
// removed.
func startSweepers(ctx context.Context, cfg *config.Config, manager *hitl.Manager, cache *session.Cache) {
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.HITLSweepSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := manager.SweepExpired(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Expired request sweep failed")
				} else if n > 0 {
					log.Info().Int64("expired", n).Msg("Swept expired requests")
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.CacheSweepSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := cache.Sweep(time.Now()); n > 0 {
					log.Info().Int("removed", n).Msg("Swept session cache")
				}
			}
		}
	}()
}

// startSettingsWatcher invalidates the cached config when settings.json
// changes on disk.
func startSettingsWatcher() {
	w, err := watcher.New(config.SettingsPath(), func() {
		config.Reset()
		log.Info().Msg("Settings changed, configuration reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher")
	}
}
