package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anolis-robotics/anolis-core/internal/config"
)

func TestInstallAndGet(t *testing.T) {
	r := New()
	h := NewHandle(config.ProviderConfig{ID: "sim0"}, nil, nil, nil, 1)
	r.Install("sim0", h)

	got, ok := r.Get("sim0")
	require.True(t, ok)
	assert.Same(t, h, got)
}

func TestEvictDoesNotInvalidateHeldHandle(t *testing.T) {
	r := New()
	h := NewHandle(config.ProviderConfig{ID: "sim0"}, nil, nil, nil, 1)
	h.SetAvailable(true)
	r.Install("sim0", h)

	held, ok := r.Get("sim0")
	require.True(t, ok)

	r.Evict("sim0")

	_, ok = r.Get("sim0")
	assert.False(t, ok, "evicted provider must no longer be retrievable from the registry")
	assert.True(t, held.Available(), "a handle a caller already holds stays valid after eviction")
}

func TestGetAllProvidersSnapshotIsIndependent(t *testing.T) {
	r := New()
	r.Install("sim0", NewHandle(config.ProviderConfig{ID: "sim0"}, nil, nil, nil, 1))

	snap := r.GetAllProviders()
	require.Len(t, snap, 1)

	r.Install("sim1", NewHandle(config.ProviderConfig{ID: "sim1"}, nil, nil, nil, 1))
	assert.Len(t, snap, 1, "a previously taken snapshot must not observe later installs")
}
