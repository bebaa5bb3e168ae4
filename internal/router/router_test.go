package router

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anolis-robotics/anolis-core/internal/config"
	"github.com/anolis-robotics/anolis-core/internal/devices"
	"github.com/anolis-robotics/anolis-core/internal/events"
	"github.com/anolis-robotics/anolis-core/internal/framing"
	"github.com/anolis-robotics/anolis-core/internal/kernelerr"
	"github.com/anolis-robotics/anolis-core/internal/metrics"
	"github.com/anolis-robotics/anolis-core/internal/mode"
	"github.com/anolis-robotics/anolis-core/internal/providers"
	"github.com/anolis-robotics/anolis-core/internal/rpc"
	"github.com/anolis-robotics/anolis-core/internal/statecache"
	"github.com/anolis-robotics/anolis-core/internal/wire"
)

func setpointSpec() devices.FunctionSpec {
	return devices.FunctionSpec{
		FunctionID: 2,
		Name:       "set_setpoint",
		Args: []devices.ArgSpec{
			{Name: "value", ValueType: devices.TypeDouble, Required: true, HasMin: true, Min: 0, HasMax: true, Max: 100},
			{Name: "label", ValueType: devices.TypeString, AllowedStrings: []string{"low", "high"}},
		},
	}
}

func TestValidateCallAcceptsInclusiveBounds(t *testing.T) {
	spec := setpointSpec()
	err := ValidateCall(spec, []wire.NamedValue{{Name: "value", Value: devices.DoubleValue(0)}})
	assert.Nil(t, err, "minimum bound is inclusive")

	err = ValidateCall(spec, []wire.NamedValue{{Name: "value", Value: devices.DoubleValue(100)}})
	assert.Nil(t, err, "maximum bound is inclusive")
}

func TestValidateCallRejectsOutOfBounds(t *testing.T) {
	spec := setpointSpec()
	err := ValidateCall(spec, []wire.NamedValue{{Name: "value", Value: devices.DoubleValue(-0.1)}})
	require.NotNil(t, err)
	assert.Equal(t, kernelerr.InvalidArgument, err.Code)

	err = ValidateCall(spec, []wire.NamedValue{{Name: "value", Value: devices.DoubleValue(100.1)}})
	require.NotNil(t, err)
	assert.Equal(t, kernelerr.InvalidArgument, err.Code)
}

func TestValidateCallRejectsMissingRequiredArg(t *testing.T) {
	spec := setpointSpec()
	err := ValidateCall(spec, nil)
	require.NotNil(t, err)
	assert.Equal(t, kernelerr.InvalidArgument, err.Code)
}

func TestValidateCallRejectsUnknownArg(t *testing.T) {
	spec := setpointSpec()
	err := ValidateCall(spec, []wire.NamedValue{
		{Name: "value", Value: devices.DoubleValue(50)},
		{Name: "bogus", Value: devices.BoolValue(true)},
	})
	require.NotNil(t, err)
	assert.Equal(t, kernelerr.InvalidArgument, err.Code)
}

func TestValidateCallRejectsWrongType(t *testing.T) {
	spec := setpointSpec()
	err := ValidateCall(spec, []wire.NamedValue{{Name: "value", Value: devices.StringValue("fifty")}})
	require.NotNil(t, err)
	assert.Equal(t, kernelerr.InvalidArgument, err.Code)
}

func TestValidateCallRejectsDisallowedString(t *testing.T) {
	spec := setpointSpec()
	err := ValidateCall(spec, []wire.NamedValue{
		{Name: "value", Value: devices.DoubleValue(10)},
		{Name: "label", Value: devices.StringValue("medium")},
	})
	require.NotNil(t, err)
	assert.Equal(t, kernelerr.InvalidArgument, err.Code)
}

func TestValidateCallAllowsOmittedOptionalArg(t *testing.T) {
	spec := setpointSpec()
	err := ValidateCall(spec, []wire.NamedValue{{Name: "value", Value: devices.DoubleValue(10)}})
	assert.Nil(t, err)
}

func TestCheckModeGate(t *testing.T) {
	cases := []struct {
		name    string
		current mode.RuntimeMode
		origin  Origin
		policy  AutoPolicy
		wantErr bool
	}{
		{"idle blocks operator", mode.Idle, OriginOperator, AutoPolicyBlock, true},
		{"idle blocks automation", mode.Idle, OriginAutomation, AutoPolicyBlock, true},
		{"fault blocks everyone", mode.Fault, OriginOperator, AutoPolicyOverride, true},
		{"manual allows operator", mode.Manual, OriginOperator, AutoPolicyBlock, false},
		{"manual blocks automation", mode.Manual, OriginAutomation, AutoPolicyBlock, true},
		{"auto allows automation", mode.Auto, OriginAutomation, AutoPolicyBlock, false},
		{"auto block policy refuses operator", mode.Auto, OriginOperator, AutoPolicyBlock, true},
		{"auto override policy allows operator", mode.Auto, OriginOperator, AutoPolicyOverride, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := checkModeGate(c.current, c.origin, c.policy)
			if c.wantErr {
				assert.NotNil(t, err)
			} else {
				assert.Nil(t, err)
			}
		})
	}
}

func TestCallRecordsCallResultMetricOnModeGateRejection(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegisterer(reg)

	deviceRegistry := devices.New(nil)
	r := New(deviceRegistry, providers.New(), nil, mode.New(nil, nil), events.New(8, 8), AutoPolicyBlock, nil)
	r.Metrics = m

	_, callErr := r.Call(OriginOperator, "sim0", "tempctl0", 2, "", nil)
	require.NotNil(t, callErr)
	assert.Equal(t, kernelerr.FailedPrecondition, callErr.Code)

	families, err := reg.Gather()
	require.NoError(t, err)
	counter := findCounter(t, families, "anolis_core_router_call_results_total", "sim0", kernelerr.FailedPrecondition.String())
	require.NotNil(t, counter)
	assert.Equal(t, float64(1), counter.GetCounter().GetValue())
}

func TestCallUnknownProviderReturnsNotFound(t *testing.T) {
	r := New(devices.New(nil), providers.New(), nil, mode.New(nil, nil), events.New(8, 8), AutoPolicyBlock, nil)
	require.NoError(t, r.mode.SetMode(mode.Manual))

	_, callErr := r.Call(OriginOperator, "nosuch", "tempctl0", 2, "", nil)
	require.NotNil(t, callErr)
	assert.Equal(t, kernelerr.NotFound, callErr.Code)
}

func TestCallUnavailableProviderReturnsUnavailableBeforeArgValidation(t *testing.T) {
	// §4.6: provider lookup (step 2) happens before argument validation
	// (step 4); an unavailable provider must fail UNAVAILABLE even when
	// the call's own arguments are also invalid.
	providerReg := providers.New()
	handle := providers.NewHandle(config.ProviderConfig{ID: "sim0"}, nil, nil, nil, 1)
	handle.SetAvailable(false)
	providerReg.Install("sim0", handle)

	r := New(devices.New(nil), providerReg, nil, mode.New(nil, nil), events.New(8, 8), AutoPolicyBlock, nil)
	require.NoError(t, r.mode.SetMode(mode.Manual))

	_, callErr := r.Call(OriginOperator, "sim0", "tempctl0", 2, "", nil)
	require.NotNil(t, callErr)
	assert.Equal(t, kernelerr.Unavailable, callErr.Code)
}

func TestCallUnknownDeviceReturnsNotFoundWhenProviderAvailable(t *testing.T) {
	providerReg := providers.New()
	handle := providers.NewHandle(config.ProviderConfig{ID: "sim0"}, nil, nil, &rpc.Client{}, 1)
	handle.SetAvailable(true)
	providerReg.Install("sim0", handle)

	r := New(devices.New(nil), providerReg, nil, mode.New(nil, nil), events.New(8, 8), AutoPolicyBlock, nil)
	require.NoError(t, r.mode.SetMode(mode.Manual))

	_, callErr := r.Call(OriginOperator, "sim0", "tempctl0", 2, "", nil)
	require.NotNil(t, callErr)
	assert.Equal(t, kernelerr.NotFound, callErr.Code)
}

// --- end-to-end Call success, exercising the post-call targeted poll ---

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// fakeProvider wires a second framing.Channel across the same pipe pair, in
// the opposite direction, so a test goroutine can answer RPC requests
// without a real child process, mirroring internal/rpc's own test fixture.
type fakeProvider struct {
	channel *framing.Channel
}

func newRPCClientAgainstFakeProvider() (*rpc.Client, *fakeProvider) {
	clientReadsFrom, serverWritesTo := io.Pipe()
	serverReadsFrom, clientWritesTo := io.Pipe()

	clientChannel := framing.New(nopWriteCloser{clientWritesTo}, clientReadsFrom)
	serverChannel := framing.New(nopWriteCloser{serverWritesTo}, serverReadsFrom)

	client := rpc.New(clientChannel, nil, rpc.Timeouts{Hello: time.Second, Ready: time.Second, Operation: time.Second}, nil)
	return client, &fakeProvider{channel: serverChannel}
}

func (s *fakeProvider) respondOnce(t *testing.T, build func(req wire.Request) wire.Response) {
	t.Helper()
	frame, err := s.channel.ReadFrame(time.Second)
	require.NoError(t, err)
	req, err := wire.UnmarshalRequest(frame)
	require.NoError(t, err)
	resp := build(req)
	require.NoError(t, s.channel.WriteFrame(wire.MarshalResponse(resp), time.Second))
}

type stubDiscoveryClient struct{ dev devices.Device }

func (s *stubDiscoveryClient) ListDevices(context.Context) ([]string, error) {
	return []string{s.dev.DeviceID}, nil
}

func (s *stubDiscoveryClient) DescribeDevice(context.Context, string) (devices.Device, error) {
	return s.dev, nil
}

func TestCallSuccessReportsPostCallPollTriggered(t *testing.T) {
	client, server := newRPCClientAgainstFakeProvider()

	startDone := make(chan error, 1)
	go func() { startDone <- client.Start() }()
	server.respondOnce(t, func(req wire.Request) wire.Response {
		assert.Equal(t, wire.KindHello, req.Kind)
		return wire.Response{RequestID: req.RequestID, Status: wire.Status{}, Kind: wire.KindHello, HelloSupportsWaitReady: false}
	})
	require.NoError(t, <-startDone)

	dev := devices.Device{
		DeviceID: "tempctl0",
		Signals: []devices.SignalSpec{
			{SignalID: "target_temp", ValueType: devices.TypeDouble, AutoPoll: true},
		},
		Functions: []devices.FunctionSpec{setpointSpec()},
	}
	deviceRegistry := devices.New(nil)
	require.NoError(t, deviceRegistry.DiscoverProvider(context.Background(), "sim0", &stubDiscoveryClient{dev: dev}, 1))

	providerReg := providers.New()
	handle := providers.NewHandle(config.ProviderConfig{ID: "sim0"}, nil, nil, client, 1)
	handle.SetAvailable(true)
	providerReg.Install("sim0", handle)

	cache := statecache.New(deviceRegistry, providerReg, nil, time.Minute, time.Minute, nil)

	r := New(deviceRegistry, providerReg, cache, mode.New(nil, nil), events.New(8, 8), AutoPolicyBlock, nil)
	require.NoError(t, r.mode.SetMode(mode.Manual))

	done := make(chan struct {
		result CallResult
		err    *kernelerr.Error
	}, 1)
	go func() {
		result, err := r.Call(OriginOperator, "sim0", "tempctl0", 2, "", []wire.NamedValue{{Name: "value", Value: devices.DoubleValue(50)}})
		done <- struct {
			result CallResult
			err    *kernelerr.Error
		}{result, err}
	}()

	server.respondOnce(t, func(req wire.Request) wire.Response {
		assert.Equal(t, wire.KindCall, req.Kind)
		return wire.Response{RequestID: req.RequestID, Status: wire.Status{}, Kind: wire.KindCall}
	})
	server.respondOnce(t, func(req wire.Request) wire.Response {
		assert.Equal(t, wire.KindReadSignals, req.Kind)
		return wire.Response{
			RequestID: req.RequestID,
			Status:    wire.Status{},
			Kind:      wire.KindReadSignals,
			ReadSignalsValues: []wire.SignalValueEntry{
				{SignalID: "target_temp", Value: devices.DoubleValue(50), Quality: devices.QualityOK, ObservedAtUnixNano: time.Now().UnixNano()},
			},
		}
	})

	out := <-done
	require.Nil(t, out.err)
	assert.True(t, out.result.Status.OK())
	assert.True(t, out.result.PostCallPollTriggered, "a successful call must trigger and report the §4.6 step 7 targeted poll")
}

func TestCallSuccessEmitsParameterChangeWithOldAndNewValue(t *testing.T) {
	client, server := newRPCClientAgainstFakeProvider()

	startDone := make(chan error, 1)
	go func() { startDone <- client.Start() }()
	server.respondOnce(t, func(req wire.Request) wire.Response {
		return wire.Response{RequestID: req.RequestID, Status: wire.Status{}, Kind: wire.KindHello, HelloSupportsWaitReady: false}
	})
	require.NoError(t, <-startDone)

	dev := devices.Device{
		DeviceID:  "tempctl0",
		Functions: []devices.FunctionSpec{setpointSpec()},
	}
	deviceRegistry := devices.New(nil)
	require.NoError(t, deviceRegistry.DiscoverProvider(context.Background(), "sim0", &stubDiscoveryClient{dev: dev}, 1))

	providerReg := providers.New()
	handle := providers.NewHandle(config.ProviderConfig{ID: "sim0"}, nil, nil, client, 1)
	handle.SetAvailable(true)
	providerReg.Install("sim0", handle)

	cache := statecache.New(deviceRegistry, providerReg, nil, time.Minute, time.Minute, nil)
	emitter := events.New(8, 8)
	sub, err := emitter.Subscribe(events.Filter{Types: []events.Type{events.TypeParameterChange}})
	require.NoError(t, err)

	r := New(deviceRegistry, providerReg, cache, mode.New(nil, nil), emitter, AutoPolicyBlock, nil)
	require.NoError(t, r.mode.SetMode(mode.Manual))

	callDone := make(chan struct{})
	go func() {
		defer close(callDone)
		_, callErr := r.Call(OriginOperator, "sim0", "tempctl0", 2, "", []wire.NamedValue{{Name: "value", Value: devices.DoubleValue(50)}})
		assert.Nil(t, callErr)
	}()

	server.respondOnce(t, func(req wire.Request) wire.Response {
		return wire.Response{RequestID: req.RequestID, Status: wire.Status{}, Kind: wire.KindCall}
	})
	<-callDone

	evt, ok := sub.TryPop()
	require.True(t, ok, "a successful call must publish a ParameterChange event")
	require.NotNil(t, evt.ParameterChange)
	assert.Equal(t, "value", evt.ParameterChange.Name)
	assert.Equal(t, devices.DoubleValue(50), evt.ParameterChange.New)
	assert.Equal(t, devices.Value{}, evt.ParameterChange.Old, "no prior cached value existed, so Old is the zero value")
	assert.False(t, evt.ParameterChange.Timestamp.IsZero())
}

func findCounter(t *testing.T, families []*dto.MetricFamily, name, provider, statusCode string) *dto.Metric {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.Metric {
			labels := map[string]string{}
			for _, l := range metric.Label {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["provider"] == provider && labels["status_code"] == statusCode {
				return metric
			}
		}
	}
	return nil
}
