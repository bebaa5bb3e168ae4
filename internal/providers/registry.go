// Package providers implements ProviderRegistry (§4.7): a thread-safe map
// from provider-id to a shared provider handle.
package providers

import (
	"sync"

	"github.com/anolis-robotics/anolis-core/internal/childproc"
	"github.com/anolis-robotics/anolis-core/internal/config"
	"github.com/anolis-robotics/anolis-core/internal/framing"
	"github.com/anolis-robotics/anolis-core/internal/rpc"
)

// Handle is shared ownership of one provider's live process, channel and
// RPC session. Readers obtain *Handle values from Registry.GetAllProviders /
// Registry.Get that remain valid for their lifetime even if the registry's
// entry is replaced during a concurrent restart — Go's garbage collector
// is the "atomically refcounted shared pointer" the spec asks for: as long
// as a caller holds the *Handle, it will not be collected, regardless of
// what the registry does to its own map entry.
type Handle struct {
	Config  config.ProviderConfig
	Process *childproc.Process
	Channel *framing.Channel
	Client  *rpc.Client

	mu          sync.RWMutex
	available   bool
	generation  uint64
}

// NewHandle wraps an already-constructed process/channel/client triple.
func NewHandle(cfg config.ProviderConfig, proc *childproc.Process, ch *framing.Channel, client *rpc.Client, generation uint64) *Handle {
	return &Handle{Config: cfg, Process: proc, Channel: ch, Client: client, generation: generation}
}

// Available reports whether this provider is currently considered
// serviceable.
func (h *Handle) Available() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.available
}

// SetAvailable updates availability, called by the runtime orchestrator
// when it installs a provider and when it detects a crash.
func (h *Handle) SetAvailable(available bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.available = available
}

// Generation returns the discovery generation this handle was installed
// under.
func (h *Handle) Generation() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.generation
}

// Registry is the thread-safe provider-id -> *Handle map (§4.7). Writers
// (installed by the Supervisor's restart orchestration) take the
// exclusive lock; readers take snapshot copies of the map that stay valid
// independent of subsequent writes.
type Registry struct {
	mu       sync.RWMutex
	handles  map[string]*Handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Install registers or replaces the handle for providerID.
func (r *Registry) Install(providerID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[providerID] = h
}

// Evict removes providerID's entry. Existing holders of the old *Handle
// are unaffected; they simply hold the last handle the registry had.
func (r *Registry) Evict(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, providerID)
}

// Get returns the current handle for providerID, if any.
func (r *Registry) Get(providerID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[providerID]
	return h, ok
}

// GetAllProviders returns a snapshot map of providerID -> *Handle.
// The map and the handles it references remain valid for its lifetime
// even as the registry continues to mutate.
func (r *Registry) GetAllProviders() map[string]*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Handle, len(r.handles))
	for k, v := range r.handles {
		out[k] = v
	}
	return out
}
