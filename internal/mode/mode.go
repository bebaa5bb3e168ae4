// Package mode implements the ModeManager (§4.9): the runtime's single
// source of truth for which RuntimeMode governs call routing, and the
// transition matrix that decides whether a requested change is legal.
package mode

import (
	"fmt"
	"sync"

	"github.com/anolis-robotics/anolis-core/internal/events"
	"github.com/anolis-robotics/anolis-core/internal/obslog"
)

// RuntimeMode is one of the four modes the router gates calls on (§4.6).
type RuntimeMode int

const (
	// Idle is the only legal startup mode: no calls are routed.
	Idle RuntimeMode = iota
	// Manual allows operator-issued calls, blocks automation.
	Manual
	// Auto allows automation-issued calls, and operator calls per the
	// configured AutoPolicy.
	Auto
	// Fault is entered on unrecoverable conditions; every call is refused
	// until an operator explicitly clears it back to Manual.
	Fault
)

func (m RuntimeMode) String() string {
	switch m {
	case Idle:
		return "IDLE"
	case Manual:
		return "MANUAL"
	case Auto:
		return "AUTO"
	case Fault:
		return "FAULT"
	default:
		return fmt.Sprintf("RuntimeMode(%d)", int(m))
	}
}

// legalTransitions encodes the §4.9 transition matrix exactly. Neither
// IDLE nor AUTO may be entered directly from FAULT or from each other —
// FAULT recovery and IDLE/AUTO crossing both require an explicit stop at
// MANUAL first. Any mode may be forced into FAULT.
var legalTransitions = map[RuntimeMode]map[RuntimeMode]bool{
	Idle:   {Manual: true, Fault: true},
	Manual: {Idle: true, Auto: true, Fault: true},
	Auto:   {Manual: true, Fault: true},
	Fault:  {Manual: true},
}

// Manager is the thread-safe current-mode holder. SetMode publishes a
// ModeChange event through emitter whenever the mode actually changes; a
// no-op request (new == current) never emits (§4.9: "set_mode(current) is
// a no-op that never raises an event").
type Manager struct {
	mu      sync.RWMutex
	current RuntimeMode
	emitter *events.Emitter
	logger  *obslog.Logger
}

// New creates a Manager starting in Idle, per §4.9 ("the runtime always
// starts in IDLE").
func New(emitter *events.Emitter, logger *obslog.Logger) *Manager {
	if logger == nil {
		logger = obslog.Default("mode")
	}
	return &Manager{current: Idle, emitter: emitter, logger: logger}
}

// Current returns the active mode.
func (m *Manager) Current() RuntimeMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetMode attempts to transition to next. Returns an error if the
// transition is not in the legal matrix (e.g. Fault -> Auto directly).
func (m *Manager) SetMode(next RuntimeMode) error {
	m.mu.Lock()
	prev := m.current
	if prev == next {
		m.mu.Unlock()
		return nil
	}
	allowed := legalTransitions[prev][next]
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("mode: illegal transition %s -> %s", prev, next)
	}
	m.current = next
	m.mu.Unlock()

	m.logger.Info("mode changed", obslog.String("from", prev.String()), obslog.String("to", next.String()))
	if m.emitter != nil {
		m.emitter.Publish(events.Event{
			Type: events.TypeModeChange,
			ModeChange: &events.ModeChangePayload{
				PreviousMode: prev.String(),
				NewMode:      next.String(),
			},
		})
	}
	return nil
}
