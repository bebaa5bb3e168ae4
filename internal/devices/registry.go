package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/anolis-robotics/anolis-core/internal/obslog"
)

// DiscoveryClient is the subset of the RPC surface the registry needs to
// discover a provider's capabilities. internal/rpc.Client satisfies it;
// the narrow interface keeps this package free of a dependency on the
// wire/framing stack, matching the teacher's habit of depending on small
// local interfaces rather than concrete cross-package types.
type DiscoveryClient interface {
	ListDevices(ctx context.Context) ([]string, error)
	DescribeDevice(ctx context.Context, deviceID string) (Device, error)
}

// Registry stores, per provider, the full discovered Device set. Readers
// never block one another; a restart-induced clear+discover pair briefly
// blocks readers but never exposes partial state (§4.4).
type Registry struct {
	mu       sync.RWMutex
	byHandle map[string]Device // "provider/device" -> Device
	logger   *obslog.Logger
}

// New creates an empty Registry.
func New(logger *obslog.Logger) *Registry {
	if logger == nil {
		logger = obslog.Default("devices")
	}
	return &Registry{
		byHandle: make(map[string]Device),
		logger:   logger,
	}
}

// DiscoverProvider calls ListDevices then DescribeDevice for each device,
// and installs the resulting set atomically under a single write lock.
// Generation is stamped onto every discovered device so stale holders can
// detect a concurrent rediscovery.
func (r *Registry) DiscoverProvider(ctx context.Context, providerID string, client DiscoveryClient, generation uint64) error {
	deviceIDs, err := client.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices for provider %q: %w", providerID, err)
	}

	discovered := make(map[string]Device, len(deviceIDs))
	for _, id := range deviceIDs {
		dev, err := client.DescribeDevice(ctx, id)
		if err != nil {
			return fmt.Errorf("describe device %q/%q: %w", providerID, id, err)
		}
		dev.ProviderID = providerID
		dev.DeviceID = id
		dev.Generation = generation
		discovered[dev.Handle()] = dev
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for handle, dev := range r.byHandle {
		if dev.ProviderID == providerID {
			delete(r.byHandle, handle)
		}
	}
	for handle, dev := range discovered {
		r.byHandle[handle] = dev
	}
	r.logger.Info("provider devices discovered",
		obslog.String("provider", providerID),
		obslog.Int("device_count", len(discovered)),
		obslog.Uint64("generation", generation))
	return nil
}

// ClearProviderDevices removes every device belonging to providerID. Used
// before restart-driven rediscovery (§4.4).
func (r *Registry) ClearProviderDevices(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle, dev := range r.byHandle {
		if dev.ProviderID == providerID {
			delete(r.byHandle, handle)
		}
	}
}

// GetDeviceCopy returns a deep copy of one device's capabilities.
func (r *Registry) GetDeviceCopy(providerID, deviceID string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byHandle[providerID+"/"+deviceID]
	if !ok {
		return Device{}, false
	}
	return dev.Clone(), true
}

// LookupByHandle is a convenience over GetDeviceCopy taking "provider/device".
func (r *Registry) LookupByHandle(handle string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byHandle[handle]
	if !ok {
		return Device{}, false
	}
	return dev.Clone(), true
}

// GetAllDevices returns a deep copy of every discovered device, sorted by
// handle for deterministic iteration (callers, including tests, rely on
// stable ordering).
func (r *Registry) GetAllDevices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.byHandle))
	for _, dev := range r.byHandle {
		out = append(out, dev.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle() < out[j].Handle() })
	return out
}

// DevicesForProvider returns a deep copy of every device owned by
// providerID, sorted by device id.
func (r *Registry) DevicesForProvider(providerID string) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0)
	for _, dev := range r.byHandle {
		if dev.ProviderID == providerID {
			out = append(out, dev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
