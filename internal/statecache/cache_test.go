package statecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anolis-robotics/anolis-core/internal/devices"
	"github.com/anolis-robotics/anolis-core/internal/metrics"
	"github.com/anolis-robotics/anolis-core/internal/providers"
	"github.com/anolis-robotics/anolis-core/internal/wire"
)

type stubSignalReader struct {
	entries []wire.SignalValueEntry
	err     error
}

func (s *stubSignalReader) ReadSignals(deviceID string, signalIDs []string) ([]wire.SignalValueEntry, error) {
	return s.entries, s.err
}

type stubDiscoveryClient struct {
	dev devices.Device
}

func (s *stubDiscoveryClient) ListDevices(ctx context.Context) ([]string, error) {
	return []string{s.dev.DeviceID}, nil
}

func (s *stubDiscoveryClient) DescribeDevice(ctx context.Context, deviceID string) (devices.Device, error) {
	return s.dev, nil
}

func newTestFixture(t *testing.T) (*Cache, devices.Device) {
	t.Helper()
	reg := devices.New(nil)
	dev := devices.Device{
		DeviceID: "tempctl0",
		Signals: []devices.SignalSpec{
			{SignalID: "current_temp", ValueType: devices.TypeDouble, AutoPoll: true, StaleAfterMs: 1000},
		},
	}
	require.NoError(t, reg.DiscoverProvider(context.Background(), "sim0", &stubDiscoveryClient{dev: dev}, 1))

	dev, ok := reg.GetDeviceCopy("sim0", "tempctl0")
	require.True(t, ok)

	cache := New(reg, providers.New(), nil, time.Second, 2*time.Second, nil)
	return cache, dev
}

func TestInitializeSeedsUnavailable(t *testing.T) {
	cache, dev := newTestFixture(t)
	cache.Initialize()

	v, ok := cache.GetSignalValue(dev.ProviderID, dev.DeviceID, "current_temp")
	require.True(t, ok)
	assert.Equal(t, devices.QualityUnavailable, v.Quality)
}

func TestPollDeviceNowNeverDowngradesTimestamp(t *testing.T) {
	cache, dev := newTestFixture(t)

	now := time.Now()
	fresh := &stubSignalReader{entries: []wire.SignalValueEntry{
		{SignalID: "current_temp", Value: devices.DoubleValue(21.5), Quality: devices.QualityOK, ObservedAtUnixNano: now.UnixNano()},
	}}
	cache.PollDeviceNow(dev, fresh, dev.AutoPollSignals())

	stale := &stubSignalReader{entries: []wire.SignalValueEntry{
		{SignalID: "current_temp", Value: devices.DoubleValue(99), Quality: devices.QualityOK, ObservedAtUnixNano: now.Add(-time.Hour).UnixNano()},
	}}
	cache.PollDeviceNow(dev, stale, dev.AutoPollSignals())

	v, ok := cache.GetSignalValue(dev.ProviderID, dev.DeviceID, "current_temp")
	require.True(t, ok)
	assert.Equal(t, 21.5, v.Value.Double, "an older observation must never overwrite a fresher one")
}

func TestPollDeviceNowMarksUnavailableOnError(t *testing.T) {
	cache, dev := newTestFixture(t)
	cache.Initialize()

	reader := &stubSignalReader{err: errors.New("transport closed")}
	cache.PollDeviceNow(dev, reader, dev.AutoPollSignals())

	v, ok := cache.GetSignalValue(dev.ProviderID, dev.DeviceID, "current_temp")
	require.True(t, ok)
	assert.Equal(t, devices.QualityUnavailable, v.Quality)
}

func TestPollOnceMarksUnavailableWhenProviderNotServiceable(t *testing.T) {
	cache, dev := newTestFixture(t)
	cache.Initialize()

	fresh := &stubSignalReader{entries: []wire.SignalValueEntry{
		{SignalID: "current_temp", Value: devices.DoubleValue(21.5), Quality: devices.QualityOK, ObservedAtUnixNano: time.Now().UnixNano()},
	}}
	cache.PollDeviceNow(dev, fresh, dev.AutoPollSignals())
	v, ok := cache.GetSignalValue(dev.ProviderID, dev.DeviceID, "current_temp")
	require.True(t, ok)
	require.Equal(t, devices.QualityOK, v.Quality, "precondition: signal must start non-UNAVAILABLE")

	// No handle is installed in cache.providerReg for "sim0", so PollOnce
	// must take the unavailable branch for this device (§4.5: "Devices
	// whose provider is unavailable are marked UNAVAILABLE for the
	// current tick"), not merely skip it and leave the stale OK value.
	cache.PollOnce()

	v, ok = cache.GetSignalValue(dev.ProviderID, dev.DeviceID, "current_temp")
	require.True(t, ok)
	assert.Equal(t, devices.QualityUnavailable, v.Quality)
}

func TestGetDeviceStateFoldsStaleness(t *testing.T) {
	cache, dev := newTestFixture(t)

	past := time.Now().Add(-10 * time.Second)
	reader := &stubSignalReader{entries: []wire.SignalValueEntry{
		{SignalID: "current_temp", Value: devices.DoubleValue(20), Quality: devices.QualityOK, ObservedAtUnixNano: past.UnixNano()},
	}}
	cache.PollDeviceNow(dev, reader, dev.AutoPollSignals())

	state := cache.GetDeviceState(dev, time.Now())
	assert.Equal(t, devices.QualityStale, state["current_temp"].Quality, "observation older than stale_after_ms must fold to STALE")
}

func TestSnapshotCoversEveryDevice(t *testing.T) {
	cache, dev := newTestFixture(t)
	cache.Initialize()

	snap := cache.Snapshot(time.Now())
	_, ok := snap[dev.Handle()]
	assert.True(t, ok)
}

func TestPollOnceSafelyObservesPollCycleDuration(t *testing.T) {
	cache, _ := newTestFixture(t)
	reg := prometheus.NewRegistry()
	cache.Metrics = metrics.NewWithRegisterer(reg)

	cache.pollOnceSafely()

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, fam := range families {
		if fam.GetName() == "anolis_core_statecache_poll_cycle_duration_seconds" {
			found = true
			require.Len(t, fam.Metric, 1)
			assert.Equal(t, uint64(1), fam.Metric[0].GetHistogram().GetSampleCount())
		}
	}
	assert.True(t, found, "poll_cycle_duration_seconds histogram must be registered and observed")
}
