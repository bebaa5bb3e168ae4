// Package events implements the EventEmitter (§4.10): a fan-out publisher
// with bounded, drop-oldest per-subscriber queues and a monotonically
// increasing event id.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anolis-robotics/anolis-core/internal/devices"
)

// Type discriminates the payload carried by an Event.
type Type int

const (
	TypeStateUpdate Type = iota
	TypeDeviceAvailability
	TypeModeChange
	TypeParameterChange
)

// StateUpdatePayload reports a fresh cached signal value.
type StateUpdatePayload struct {
	ProviderID string
	DeviceID   string
	SignalID   string
}

// DeviceAvailabilityPayload reports a provider or device transitioning
// available/unavailable.
type DeviceAvailabilityPayload struct {
	ProviderID string
	DeviceID   string
	Available  bool
}

// ModeChangePayload reports a RuntimeMode transition.
type ModeChangePayload struct {
	PreviousMode string
	NewMode      string
}

// ParameterChangePayload reports one named parameter's value transitioning
// from Old to New (§4.10); ProviderID/DeviceID on the enclosing Event scope
// it to the device the parameter belongs to.
type ParameterChangePayload struct {
	Name      string
	Old       devices.Value
	New       devices.Value
	Timestamp time.Time
}

// Event is one item delivered to subscribers. ID is monotonic across the
// publishing Emitter's lifetime (each Emitter keeps its own counter), used
// by subscribers to detect gaps caused by drops.
type Event struct {
	ID         uint64
	Type       Type
	ProviderID string
	DeviceID   string
	SignalID   string

	StateUpdate        *StateUpdatePayload
	DeviceAvailability *DeviceAvailabilityPayload
	ModeChange         *ModeChangePayload
	ParameterChange    *ParameterChangePayload
}

// Filter restricts which events a Subscription receives. A zero-value
// field means "no restriction on this dimension".
type Filter struct {
	ProviderID string
	DeviceID   string
	SignalID   string
	Types      []Type
}

func (f Filter) matches(e Event) bool {
	if f.ProviderID != "" && f.ProviderID != e.ProviderID {
		return false
	}
	if f.DeviceID != "" && f.DeviceID != e.DeviceID {
		return false
	}
	if f.SignalID != "" && f.SignalID != e.SignalID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Subscription is one bounded, drop-oldest event queue. The subscription
// token (Token) is a google/uuid value so callers have a stable,
// collision-free handle for Unsubscribe independent of map iteration
// order or reused slice indices.
type Subscription struct {
	Token string

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	capacity  int
	filter    Filter
	dropCount uint64
	closed    bool
}

func newSubscription(capacity int, filter Filter) *Subscription {
	s := &Subscription{
		Token:    uuid.NewString(),
		capacity: capacity,
		filter:   filter,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.filter.matches(e) {
		return
	}
	if len(s.queue) >= s.capacity {
		// Drop-oldest: make room for the newest event rather than
		// blocking the publisher or refusing the new one.
		s.queue = s.queue[1:]
		s.dropCount++
	}
	s.queue = append(s.queue, e)
	s.cond.Signal()
}

// Pop blocks until an event is available or the subscription is closed,
// returning ok=false in the latter case. Pop never blocks past close;
// only subscriptions created by Emitter.Subscribe are usable.
func (s *Subscription) Pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

// TryPop returns immediately: an event if one is queued, ok=false
// otherwise.
func (s *Subscription) TryPop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

// DropCount reports how many events this subscription has discarded to
// stay within capacity.
func (s *Subscription) DropCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropCount
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

// Emitter is the fan-out publisher. Subscribe/Unsubscribe may run
// concurrently with Publish; each subscriber only ever sees events
// matching its own Filter.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	maxSubscribers int
	defaultCapacity int

	nextEventID atomic.Uint64
}

// New creates an Emitter. defaultCapacity bounds each subscriber's queue;
// maxSubscribers bounds total concurrent subscriptions (§4.10).
func New(defaultCapacity, maxSubscribers int) *Emitter {
	if defaultCapacity <= 0 {
		defaultCapacity = 32
	}
	if maxSubscribers <= 0 {
		maxSubscribers = 64
	}
	return &Emitter{
		subscriptions:   make(map[string]*Subscription),
		defaultCapacity: defaultCapacity,
		maxSubscribers:  maxSubscribers,
	}
}

// Subscribe creates a new Subscription matching filter. Returns an error
// if max_subscribers is already reached.
func (e *Emitter) Subscribe(filter Filter) (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.subscriptions) >= e.maxSubscribers {
		return nil, errMaxSubscribers
	}
	sub := newSubscription(e.defaultCapacity, filter)
	e.subscriptions[sub.Token] = sub
	return sub, nil
}

// Unsubscribe closes and removes the subscription identified by token.
// Go has no destructors, so unlike the reference implementation's
// auto-unsubscribe-on-scope-exit, callers are responsible for invoking
// this explicitly (typically via a deferred call right after Subscribe)
// once they are done — otherwise the Emitter's map keeps the queue
// alive indefinitely.
func (e *Emitter) Unsubscribe(token string) {
	e.mu.Lock()
	sub, ok := e.subscriptions[token]
	delete(e.subscriptions, token)
	e.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish stamps e with the next monotonic id and fans it out to every
// matching subscriber.
func (e *Emitter) Publish(evt Event) Event {
	evt.ID = e.nextEventID.Add(1)

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sub := range e.subscriptions {
		sub.deliver(evt)
	}
	return evt
}

// SubscriberCount reports the number of live subscriptions.
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

var errMaxSubscribers = &maxSubscribersError{}

type maxSubscribersError struct{}

func (*maxSubscribersError) Error() string { return "events: max_subscribers reached" }
