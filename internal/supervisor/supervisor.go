// Package supervisor implements the Supervisor (§4.8): provider crash
// detection, exponential-backoff restart orchestration, and the derived
// lifecycle state machine operators observe.
package supervisor

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/anolis-robotics/anolis-core/internal/config"
	"github.com/anolis-robotics/anolis-core/internal/metrics"
	"github.com/anolis-robotics/anolis-core/internal/obslog"
)

// LifecycleState is the derived state every snapshot reports (§3, §4.8).
type LifecycleState int

const (
	StateRunning LifecycleState = iota
	StateRestarting
	StateCircuitOpen
	StateUnavailable
)

func (s LifecycleState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateRestarting:
		return "RESTARTING"
	case StateCircuitOpen:
		return "CIRCUIT_OPEN"
	case StateUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is the read-only view returned to callers of GetSnapshot/
// GetAllSnapshots. NextRestartInMs follows §4.8 exactly: nil when
// healthy (AttemptCount == 0) or when the circuit is open; 0 once the
// backoff deadline has elapsed; positive while still inside the window.
type Snapshot struct {
	ProviderID      string
	State           LifecycleState
	AttemptCount    int
	MaxAttempts     int
	CircuitOpen     bool
	NextRestartInMs *int64
	LastCrash       time.Time
	LastSuccess     time.Time
}

// providerState is the mutable per-provider SupervisionState (§3):
// attempt-count, circuit-open, crash-detected flag, next-restart-time,
// process-start-time, last-healthy-time. The embedded gobreaker instance
// mirrors the same open/closed decision for telemetry purposes (it is
// fed from the same record_crash/record_success transitions) but is
// never itself consulted for correctness — attempt_count vs max_attempts
// is the sole source of truth for circuit_open, per §8 invariant 7.
type providerState struct {
	mu sync.Mutex

	policy  config.RestartPolicy
	breaker *gobreaker.CircuitBreaker[struct{}]

	attemptCount    int
	circuitOpen     bool
	crashDetected   bool
	nextRestartAt   time.Time
	hasNextRestart  bool
	processStartAt  time.Time
	hasProcessStart bool
	lastHealthyAt   time.Time
	lastCrash       time.Time
	lastSuccess     time.Time
}

// Supervisor owns one providerState per registered provider and drives
// restart orchestration on each Tick.
type Supervisor struct {
	mu     sync.RWMutex
	states map[string]*providerState
	logger *obslog.Logger

	// Metrics is optional; when set, every restart attempt and lifecycle
	// transition is reflected into it.
	Metrics *metrics.Metrics

	// restartFn actually respawns and rediscovers a crashed provider; it
	// is supplied by the runtime orchestrator, which alone knows how to
	// wire a fresh childproc.Process, framing.Channel and rpc.Client
	// together.
	restartFn func(providerID string) error
}

// New constructs a Supervisor.
func New(logger *obslog.Logger, restartFn func(providerID string) error) *Supervisor {
	if logger == nil {
		logger = obslog.Default("supervisor")
	}
	return &Supervisor{
		states:    make(map[string]*providerState),
		logger:    logger,
		restartFn: restartFn,
	}
}

// RegisterProvider installs bookkeeping for providerID under policy. Must
// be called once before any other method referencing providerID.
func (s *Supervisor) RegisterProvider(providerID string, policy config.RestartPolicy) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	settings := gobreaker.Settings{
		Name:        providerID,
		MaxRequests: 1,
		Interval:    policy.StabilityWindow,
		Timeout:     policy.AttemptTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxAttempts)
		},
	}
	ps := &providerState{
		policy:  policy,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
	}

	s.mu.Lock()
	s.states[providerID] = ps
	s.mu.Unlock()
}

func (s *Supervisor) get(providerID string) (*providerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.states[providerID]
	return ps, ok
}

// MarkCrashDetected reports whether this is a newly observed crash,
// idempotent for the duration of one recovery cycle (§4.8): repeated
// calls while a restart sequence is already underway return false.
func (s *Supervisor) MarkCrashDetected(providerID string) bool {
	ps, ok := s.get(providerID)
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.crashDetected {
		return false
	}
	ps.crashDetected = true
	ps.lastCrash = time.Now()
	return true
}

// RecordCrash increments attempt_count (§4.8, §8 invariant 7). It
// returns false once the circuit has opened (attempt_count exceeds
// max_attempts); otherwise it schedules next_restart_time from the
// policy's backoff ladder and returns true.
func (s *Supervisor) RecordCrash(providerID string) bool {
	ps, ok := s.get(providerID)
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.circuitOpen {
		return false
	}

	ps.attemptCount++
	ps.hasProcessStart = false

	if !ps.policy.Enabled || ps.attemptCount > ps.policy.MaxAttempts {
		ps.circuitOpen = true
		ps.hasNextRestart = false
		ps.failBreaker()
		return false
	}

	delay := 0
	if ps.attemptCount-1 < len(ps.policy.BackoffMs) {
		delay = ps.policy.BackoffMs[ps.attemptCount-1]
	}
	ps.nextRestartAt = time.Now().Add(time.Duration(delay) * time.Millisecond)
	ps.hasNextRestart = true
	ps.failBreaker()
	return true
}

// failBreaker/succeedBreaker feed the gobreaker instance so its exported
// Counts/State track the same history for metrics, without gobreaker's
// own timing governing circuitOpen itself.
func (ps *providerState) failBreaker() {
	_, _ = ps.breaker.Execute(func() (struct{}, error) { return struct{}{}, errRestartFailed })
}

func (ps *providerState) succeedBreaker() {
	_, _ = ps.breaker.Execute(func() (struct{}, error) { return struct{}{}, nil })
}

type restartFailedError struct{}

func (restartFailedError) Error() string { return "supervisor: restart attempt failed" }

var errRestartFailed = restartFailedError{}

// ShouldRestart reports whether providerID's scheduled restart is due
// now: policy enabled, circuit not open, and now >= next_restart_time.
func (s *Supervisor) ShouldRestart(providerID string) bool {
	ps, ok := s.get(providerID)
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.circuitOpen || !ps.policy.Enabled {
		return false
	}
	return ps.hasNextRestart && !time.Now().Before(ps.nextRestartAt)
}

// RecordHeartbeat sets last_healthy_time = now; if process_start_time is
// unset, it is also set to now (§4.8).
func (s *Supervisor) RecordHeartbeat(providerID string) {
	ps, ok := s.get(providerID)
	if !ok {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.lastHealthyAt = time.Now()
	if !ps.hasProcessStart {
		ps.processStartAt = time.Now()
		ps.hasProcessStart = true
	}
}

// ShouldMarkRecovered reports whether providerID has run continuously
// since process_start_time for at least its configured stability
// window (§4.8).
func (s *Supervisor) ShouldMarkRecovered(providerID string) bool {
	ps, ok := s.get(providerID)
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.policy.Enabled || ps.circuitOpen || ps.attemptCount == 0 || !ps.hasProcessStart {
		return false
	}
	return time.Since(ps.processStartAt) >= ps.policy.StabilityWindow
}

// RecordSuccess resets attempt_count, circuit_open, crash_detected,
// next_restart_time, and process_start_time (§4.8, §8 invariant 9).
func (s *Supervisor) RecordSuccess(providerID string) {
	ps, ok := s.get(providerID)
	if !ok {
		return
	}
	ps.succeedBreaker()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.attemptCount = 0
	ps.circuitOpen = false
	ps.crashDetected = false
	ps.hasNextRestart = false
	ps.hasProcessStart = false
	ps.lastSuccess = time.Now()
}

// Tick drives one restart-orchestration pass (§4.8 step 4-5): for every
// provider whose scheduled restart is due, invokes restartFn; on
// failure it loops the provider back through record_crash for the next
// attempt; on success it ends the recovery cycle, so the next crash is
// detected and recorded afresh.
func (s *Supervisor) Tick() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if !s.ShouldRestart(id) {
			continue
		}
		s.logger.Info("attempting provider restart", obslog.String("provider", id))
		if s.Metrics != nil {
			s.Metrics.ProviderRestarts.WithLabelValues(id).Inc()
		}
		err := s.restartFn(id)
		if err != nil {
			s.logger.Warn("provider restart attempt failed", obslog.String("provider", id), obslog.Err(err))
			s.RecordCrash(id)
			continue
		}
		if ps, ok := s.get(id); ok {
			ps.mu.Lock()
			ps.crashDetected = false
			ps.hasNextRestart = false
			ps.mu.Unlock()
		}
	}

	s.reportStateGauge()
}

// reportStateGauge mirrors every provider's derived lifecycle state into
// the ProviderState gauge vector: 1 for the currently active state label,
// 0 for the other three, so a dashboard can chart state occupancy over
// time without needing to decode an enum value.
func (s *Supervisor) reportStateGauge() {
	if s.Metrics == nil {
		return
	}
	for _, snap := range s.GetAllSnapshots() {
		for _, state := range []LifecycleState{StateRunning, StateRestarting, StateCircuitOpen, StateUnavailable} {
			value := 0.0
			if state == snap.State {
				value = 1.0
			}
			s.Metrics.ProviderState.WithLabelValues(snap.ProviderID, state.String()).Set(value)
		}
	}
}

// GetSnapshot returns one provider's current Snapshot.
func (s *Supervisor) GetSnapshot(providerID string) (Snapshot, bool) {
	ps, ok := s.get(providerID)
	if !ok {
		return Snapshot{}, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	snap := Snapshot{
		ProviderID:   providerID,
		State:        derivedState(ps),
		AttemptCount: ps.attemptCount,
		MaxAttempts:  ps.policy.MaxAttempts,
		CircuitOpen:  ps.circuitOpen,
		LastCrash:    ps.lastCrash,
		LastSuccess:  ps.lastSuccess,
	}
	// next_restart_in_ms: nil iff (attempt_count == 0 || circuit_open);
	// positive while now < next_restart_time; 0 otherwise (§8 invariant 8).
	if ps.attemptCount > 0 && !ps.circuitOpen {
		ms := int64(time.Until(ps.nextRestartAt) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		snap.NextRestartInMs = &ms
	}
	return snap, true
}

// derivedState computes the §4.8 lifecycle from circuit_open,
// attempt_count and whether a process start has been recorded since the
// last crash; it is never stored directly.
func derivedState(ps *providerState) LifecycleState {
	switch {
	case ps.circuitOpen:
		return StateCircuitOpen
	case ps.attemptCount > 0:
		return StateRestarting
	case ps.hasProcessStart:
		return StateRunning
	default:
		return StateUnavailable
	}
}

// GetAllSnapshots returns every registered provider's Snapshot.
func (s *Supervisor) GetAllSnapshots() []Snapshot {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.GetSnapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}
