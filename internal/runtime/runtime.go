// Package runtime composes every kernel component into one orchestrator:
// spawning providers, running the poll and supervision loops, and
// exposing the surface cmd/anolis-core drives.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anolis-robotics/anolis-core/internal/childproc"
	"github.com/anolis-robotics/anolis-core/internal/config"
	"github.com/anolis-robotics/anolis-core/internal/devices"
	"github.com/anolis-robotics/anolis-core/internal/events"
	"github.com/anolis-robotics/anolis-core/internal/framing"
	"github.com/anolis-robotics/anolis-core/internal/metrics"
	"github.com/anolis-robotics/anolis-core/internal/mode"
	"github.com/anolis-robotics/anolis-core/internal/obslog"
	"github.com/anolis-robotics/anolis-core/internal/providers"
	"github.com/anolis-robotics/anolis-core/internal/router"
	"github.com/anolis-robotics/anolis-core/internal/rpc"
	"github.com/anolis-robotics/anolis-core/internal/shutdown"
	"github.com/anolis-robotics/anolis-core/internal/statecache"
	"github.com/anolis-robotics/anolis-core/internal/supervisor"
)

// Runtime is the fully wired kernel: every provider process, the shared
// device/state/mode/event infrastructure, and the background goroutines
// that keep them moving.
type Runtime struct {
	cfg config.Configuration

	logger *obslog.Logger

	Providers  *providers.Registry
	Devices    *devices.Registry
	Cache      *statecache.Cache
	Mode       *mode.Manager
	Events     *events.Emitter
	Router     *router.Router
	Supervisor *supervisor.Supervisor
	Metrics    *metrics.Metrics

	generationMu sync.Mutex
	generations  map[string]uint64

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds every component from cfg but does not spawn any provider
// process yet; call Start to bring the runtime up.
func New(cfg config.Configuration, logger *obslog.Logger, registerMetrics bool) *Runtime {
	if logger == nil {
		logger = obslog.Default("runtime")
	}

	var m *metrics.Metrics
	if registerMetrics {
		m = metrics.NewDefault()
	}

	deviceRegistry := devices.New(logger.Component("devices"))
	providerRegistry := providers.New()
	emitter := events.New(cfg.EventEmitterCapacity, cfg.MaxSubscribers)
	modeManager := mode.New(emitter, logger.Component("mode"))
	cache := statecache.New(deviceRegistry, providerRegistry, emitter, cfg.PollingInterval, cfg.DefaultStaleAfter, logger.Component("statecache"))
	cache.Metrics = m

	r := &Runtime{
		cfg:         cfg,
		logger:      logger,
		Providers:   providerRegistry,
		Devices:     deviceRegistry,
		Cache:       cache,
		Mode:        modeManager,
		Events:      emitter,
		Metrics:     m,
		generations: make(map[string]uint64),
		stopCh:      make(chan struct{}),
	}

	r.Router = router.New(deviceRegistry, providerRegistry, cache, modeManager, emitter, cfg.Automation.Policy, logger.Component("router"))
	r.Router.Metrics = m
	r.Supervisor = supervisor.New(logger.Component("supervisor"), r.restartProvider)
	r.Supervisor.Metrics = m

	for _, pc := range cfg.Providers {
		r.Supervisor.RegisterProvider(pc.ID, pc.Restart)
	}

	return r
}

// Start spawns every configured provider, discovers its devices, and
// launches the poll and supervision background loops. Startup mode is
// always IDLE (§4.9); callers transition out of it explicitly.
func (r *Runtime) Start(ctx context.Context) error {
	for _, pc := range r.cfg.Providers {
		if err := r.spawnProvider(ctx, pc); err != nil {
			r.logger.Error("initial provider spawn failed", obslog.String("provider", pc.ID), obslog.Err(err))
			if !pc.Restart.Enabled {
				// §6: a provider with no restart policy that fails to
				// start is fatal to the runtime, not merely logged.
				return fmt.Errorf("provider %q failed to start and has no restart policy: %w", pc.ID, err)
			}
			if r.Supervisor.MarkCrashDetected(pc.ID) {
				r.Supervisor.RecordCrash(pc.ID)
			}
			continue
		}
	}

	r.Cache.Start()
	r.runSupervisionLoop()
	return nil
}

// Stop halts every background loop and shuts down every provider
// process within one overall deadline. Providers are registered for
// shutdown in map iteration order, so no spawn order is honoured.
func (r *Runtime) Stop() {
	close(r.stopCh)
	r.Cache.Stop()
	r.wg.Wait()

	registry := shutdown.New(10*time.Second, r.logger.Component("shutdown"))
	for providerID, handle := range r.Providers.GetAllProviders() {
		if handle.Process == nil {
			continue
		}
		timeout := handle.Config.ShutdownTimeout
		proc := handle.Process
		registry.Register(providerID, func() error {
			return proc.Shutdown(timeout)
		})
	}
	_ = registry.Shutdown(context.Background())
}

func (r *Runtime) nextGeneration(providerID string) uint64 {
	r.generationMu.Lock()
	defer r.generationMu.Unlock()
	r.generations[providerID]++
	return r.generations[providerID]
}

// spawnProvider launches pc's process, performs the RPC handshake, and
// discovers its devices, installing the result into Providers/Devices.
func (r *Runtime) spawnProvider(ctx context.Context, pc config.ProviderConfig) error {
	proc := childproc.New(pc.ExecutablePath, pc.Args, r.logger.Component("childproc").With(obslog.String("provider", pc.ID)))
	if err := proc.Spawn(); err != nil {
		return fmt.Errorf("spawn %s: %w", pc.ID, err)
	}

	channel := framing.New(proc.Stdin(), proc.Stdout())
	client := rpc.New(channel, proc, rpc.Timeouts{
		Hello:     pc.HelloTimeout,
		Ready:     pc.ReadyTimeout,
		Operation: pc.OperationTimeout,
	}, r.logger.Component("rpc").With(obslog.String("provider", pc.ID)))

	if err := client.Start(); err != nil {
		_ = proc.Shutdown(pc.ShutdownTimeout)
		return fmt.Errorf("start session %s: %w", pc.ID, err)
	}

	generation := r.nextGeneration(pc.ID)
	if err := r.Devices.DiscoverProvider(ctx, pc.ID, client, generation); err != nil {
		_ = proc.Shutdown(pc.ShutdownTimeout)
		return fmt.Errorf("discover %s: %w", pc.ID, err)
	}
	r.Cache.Initialize()

	handle := providers.NewHandle(pc, proc, channel, client, generation)
	handle.SetAvailable(true)
	r.Providers.Install(pc.ID, handle)

	r.Events.Publish(events.Event{
		Type:       events.TypeDeviceAvailability,
		ProviderID: pc.ID,
		DeviceAvailability: &events.DeviceAvailabilityPayload{
			ProviderID: pc.ID,
			Available:  true,
		},
	})

	r.logger.Info("provider online", obslog.String("provider", pc.ID), obslog.Uint64("generation", generation))
	return nil
}

// restartProvider is the Supervisor's restartFn: evict the stale handle
// and devices, then spawn fresh ones under a new generation.
func (r *Runtime) restartProvider(providerID string) error {
	var pc config.ProviderConfig
	found := false
	for _, p := range r.cfg.Providers {
		if p.ID == providerID {
			pc, found = p, true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown provider %q", providerID)
	}

	if handle, ok := r.Providers.Get(providerID); ok && handle.Process != nil {
		_ = handle.Process.Shutdown(pc.ShutdownTimeout)
	}
	r.Providers.Evict(providerID)
	r.Devices.ClearProviderDevices(providerID)

	ctx, cancel := context.WithTimeout(context.Background(), pc.HelloTimeout+pc.ReadyTimeout)
	defer cancel()
	if err := r.spawnProvider(ctx, pc); err != nil {
		return err
	}
	// Do not RecordSuccess here: §4.8 step 6 resets attempt_count only
	// once the respawned provider has stayed healthy for the stability
	// window, not on the handshake completing. superviseTickSafely's
	// RecordHeartbeat/ShouldMarkRecovered path (runtime.go below) is the
	// sole trigger, so a provider that crashes again right after each
	// respawn still accumulates backoff toward the circuit breaker.
	return nil
}

// runSupervisionLoop launches the background goroutine that ticks the
// Supervisor and monitors provider liveness, recovering from any panic
// within one tick so a single bad cycle cannot take the whole runtime
// down.
func (r *Runtime) runSupervisionLoop() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.superviseTickSafely()
			}
		}
	}()
}

func (r *Runtime) superviseTickSafely() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("recovered panic in supervision tick", obslog.Any("panic", rec))
		}
	}()

	for providerID, handle := range r.Providers.GetAllProviders() {
		if handle.Process != nil && !handle.Process.IsRunning() && handle.Available() {
			r.logger.Warn("provider process no longer running", obslog.String("provider", providerID))
			handle.SetAvailable(false)
			r.Events.Publish(events.Event{
				Type:       events.TypeDeviceAvailability,
				ProviderID: providerID,
				DeviceAvailability: &events.DeviceAvailabilityPayload{
					ProviderID: providerID,
					Available:  false,
				},
			})
			if r.Supervisor.MarkCrashDetected(providerID) {
				r.Supervisor.RecordCrash(providerID)
			}
			continue
		}
		if handle.Available() {
			r.Supervisor.RecordHeartbeat(providerID)
			if r.Supervisor.ShouldMarkRecovered(providerID) {
				r.Supervisor.RecordSuccess(providerID)
			}
		}
	}

	r.Supervisor.Tick()
}
