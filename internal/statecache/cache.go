// Package statecache implements the StateCache (§4.5): the periodically
// refreshed, never-downgrading cache of the most recent signal values
// read from every provider.
package statecache

import (
	"sync"
	"time"

	"github.com/anolis-robotics/anolis-core/internal/devices"
	"github.com/anolis-robotics/anolis-core/internal/events"
	"github.com/anolis-robotics/anolis-core/internal/metrics"
	"github.com/anolis-robotics/anolis-core/internal/obslog"
	"github.com/anolis-robotics/anolis-core/internal/providers"
	"github.com/anolis-robotics/anolis-core/internal/wire"
)

// SignalReader is the narrow RPC surface the cache needs, satisfied by
// *rpc.Client.
type SignalReader interface {
	ReadSignals(deviceID string, signalIDs []string) ([]wire.SignalValueEntry, error)
}

// Cache holds the last observed value of every (provider, device, signal)
// triple. A poll that produces an older or equal timestamp than what is
// already cached never overwrites it — the "never-downgrade-timestamp"
// rule that keeps a slow or out-of-order poll from clobbering a fresher
// value already on file.
type Cache struct {
	mu      sync.RWMutex
	state   map[string]devices.DeviceState // "provider/device" -> signal state

	deviceRegistry *devices.Registry
	providerReg    *providers.Registry
	emitter        *events.Emitter
	logger         *obslog.Logger

	defaultStaleAfter time.Duration
	pollInterval      time.Duration

	// Metrics is optional; when set, every full poll cycle's wall-clock
	// duration is observed into it. Nil is a valid no-metrics state.
	Metrics *metrics.Metrics

	stopCh chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Cache. defaultStaleAfter is used for any signal whose
// SignalSpec.StaleAfterMs is 0 (§3: "0 means use the cache's configured
// default").
func New(deviceRegistry *devices.Registry, providerReg *providers.Registry, emitter *events.Emitter, pollInterval, defaultStaleAfter time.Duration, logger *obslog.Logger) *Cache {
	if logger == nil {
		logger = obslog.Default("statecache")
	}
	return &Cache{
		state:             make(map[string]devices.DeviceState),
		deviceRegistry:    deviceRegistry,
		providerReg:       providerReg,
		emitter:           emitter,
		logger:            logger,
		defaultStaleAfter: defaultStaleAfter,
		pollInterval:      pollInterval,
		stopCh:            make(chan struct{}),
	}
}

// Initialize seeds per-device, per-signal UNAVAILABLE entries for every
// signal presently in the device registry (§4.5). Call once at startup,
// and again after each provider rediscovery, so a reader never observes
// an empty cache for a device whose capabilities are already known.
func (c *Cache) Initialize() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dev := range c.deviceRegistry.GetAllDevices() {
		handle := dev.Handle()
		state, ok := c.state[handle]
		if !ok {
			state = make(devices.DeviceState)
		}
		for _, sig := range dev.Signals {
			if _, seeded := state[sig.SignalID]; seeded {
				continue
			}
			state[sig.SignalID] = devices.CachedSignalValue{
				Quality:    devices.QualityUnavailable,
				ObservedAt: now,
			}
		}
		c.state[handle] = state
	}
}

// Snapshot returns a deep copy of the entire cache, keyed by device
// handle ("provider/device"), with effective quality folded in against
// now (§4.5).
func (c *Cache) Snapshot(now time.Time) map[string]devices.DeviceState {
	out := make(map[string]devices.DeviceState)
	for _, dev := range c.deviceRegistry.GetAllDevices() {
		out[dev.Handle()] = c.GetDeviceState(dev, now)
	}
	return out
}

// StaleAfter resolves the effective staleness budget for one signal.
func (c *Cache) StaleAfter(spec devices.SignalSpec) time.Duration {
	if spec.StaleAfterMs == 0 {
		return c.defaultStaleAfter
	}
	return time.Duration(spec.StaleAfterMs) * time.Millisecond
}

// Start launches the periodic poll goroutine at pollInterval (default
// 500ms, per §4.5), polling every device's auto-poll signals in turn.
// Panics within one poll cycle are recovered and logged so the loop
// survives a single misbehaving provider.
func (c *Cache) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.pollOnceSafely()
			}
		}
	}()
}

// Stop halts the poll goroutine and waits for it to exit.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cache) pollOnceSafely() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered panic during state cache poll", obslog.Any("panic", r))
		}
	}()
	start := time.Now()
	c.PollOnce()
	if c.Metrics != nil {
		c.Metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
	}
}

// PollOnce reads every auto-poll signal of every discovered device,
// through its owning provider's RPC client.
func (c *Cache) PollOnce() {
	for _, dev := range c.deviceRegistry.GetAllDevices() {
		autoPoll := dev.AutoPollSignals()
		if len(autoPoll) == 0 {
			continue
		}
		handle, ok := c.providerReg.Get(dev.ProviderID)
		if !ok || !handle.Available() || handle.Client == nil {
			// §4.5: a device whose provider is currently unavailable is
			// marked UNAVAILABLE for this tick, not merely left stale.
			c.markUnavailable(dev)
			continue
		}
		c.PollDeviceNow(dev, handle.Client, autoPoll)
	}
}

// PollDeviceNow issues one ReadSignals call for dev's given signals,
// immediately, outside the periodic cycle — used by the router to
// refresh a device's state right after a successful Call (§4.6 step 7).
// It reports whether the poll actually completed, so callers can surface
// post_call_poll_triggered (§4.6 step 8).
func (c *Cache) PollDeviceNow(dev devices.Device, reader SignalReader, signalIDs []string) bool {
	if len(signalIDs) == 0 {
		return false
	}
	entries, err := reader.ReadSignals(dev.DeviceID, signalIDs)
	if err != nil {
		c.logger.Warn("read_signals failed during poll",
			obslog.String("provider", dev.ProviderID),
			obslog.String("device", dev.DeviceID),
			obslog.Err(err))
		c.markUnavailable(dev)
		return false
	}

	handle := dev.Handle()
	c.mu.Lock()
	state, ok := c.state[handle]
	if !ok {
		state = make(devices.DeviceState)
	}
	for _, e := range entries {
		observedAt := time.Unix(0, e.ObservedAtUnixNano)
		if existing, has := state[e.SignalID]; has && !observedAt.After(existing.ObservedAt) {
			continue // never-downgrade-timestamp: keep the fresher value on file
		}
		state[e.SignalID] = devices.CachedSignalValue{
			Value:      e.Value,
			Quality:    e.Quality,
			ObservedAt: observedAt,
		}
	}
	c.state[handle] = state
	c.mu.Unlock()

	if c.emitter != nil {
		for _, e := range entries {
			c.emitter.Publish(events.Event{
				Type:       events.TypeStateUpdate,
				ProviderID: dev.ProviderID,
				DeviceID:   dev.DeviceID,
				SignalID:   e.SignalID,
				StateUpdate: &events.StateUpdatePayload{
					ProviderID: dev.ProviderID,
					DeviceID:   dev.DeviceID,
					SignalID:   e.SignalID,
				},
			})
		}
	}
	return true
}

func (c *Cache) markUnavailable(dev devices.Device) {
	handle := dev.Handle()
	c.mu.Lock()
	state, ok := c.state[handle]
	if !ok {
		state = make(devices.DeviceState)
	}
	now := time.Now()
	for _, sig := range dev.Signals {
		existing := state[sig.SignalID]
		existing.Quality = devices.QualityUnavailable
		if existing.ObservedAt.IsZero() {
			existing.ObservedAt = now
		}
		state[sig.SignalID] = existing
	}
	c.state[handle] = state
	c.mu.Unlock()
}

// GetDeviceState returns a deep copy of the cached state for one device,
// with effective quality folded in against now and each signal's
// staleness budget.
func (c *Cache) GetDeviceState(dev devices.Device, now time.Time) devices.DeviceState {
	c.mu.RLock()
	state, ok := c.state[dev.Handle()]
	c.mu.RUnlock()
	if !ok {
		return devices.DeviceState{}
	}
	out := state.Clone()
	for _, sig := range dev.Signals {
		cached, has := out[sig.SignalID]
		if !has {
			continue
		}
		cached.Quality = devices.EffectiveQuality(cached.Quality, cached.ObservedAt, c.StaleAfter(sig), now)
		out[sig.SignalID] = cached
	}
	return out
}

// GetSignalValue returns the cached value of one signal, if ever
// observed.
func (c *Cache) GetSignalValue(providerID, deviceID, signalID string) (devices.CachedSignalValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.state[providerID+"/"+deviceID]
	if !ok {
		return devices.CachedSignalValue{}, false
	}
	v, ok := state[signalID]
	return v, ok
}

// ClearDevice drops the cached state for one device, used when a
// provider is evicted and rediscovered after a restart.
func (c *Cache) ClearDevice(providerID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, providerID+"/"+deviceID)
}
