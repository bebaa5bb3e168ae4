package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anolis-robotics/anolis-core/internal/devices"
	"github.com/anolis-robotics/anolis-core/internal/kernelerr"
)

func TestRequestRoundTripEveryKind(t *testing.T) {
	cases := []Request{
		{RequestID: 1, Kind: KindHello},
		{RequestID: 2, Kind: KindWaitReady},
		{RequestID: 3, Kind: KindListDevices},
		{RequestID: 4, Kind: KindDescribeDevice, DescribeDeviceID: "tempctl0"},
		{RequestID: 5, Kind: KindReadSignals, ReadSignalsDevice: "tempctl0", ReadSignalsIDs: []string{"target_temp", "current_temp"}},
		{
			RequestID:        6,
			Kind:             KindCall,
			CallDevice:       "tempctl0",
			CallFunctionID:   2,
			CallFunctionName: "set_setpoint",
			CallArgs: []NamedValue{
				{Name: "value", Value: devices.DoubleValue(50.0)},
			},
		},
	}

	for _, req := range cases {
		encoded := MarshalRequest(req)
		got, err := UnmarshalRequest(encoded)
		require.NoError(t, err)
		assert.Equal(t, req, got)
	}
}

func TestResponseRoundTripEveryKind(t *testing.T) {
	cases := []Response{
		{RequestID: 1, Status: Status{Code: kernelerr.OK}, Kind: KindHello, HelloProtocolVersion: "1.0", HelloSupportsWaitReady: true},
		{RequestID: 2, Status: Status{Code: kernelerr.OK}, Kind: KindWaitReady},
		{RequestID: 3, Status: Status{Code: kernelerr.OK}, Kind: KindListDevices, ListDevicesIDs: []string{"tempctl0", "motorctl0"}},
		{
			RequestID: 5,
			Status:    Status{Code: kernelerr.OK},
			Kind:      KindReadSignals,
			ReadSignalsValues: []SignalValueEntry{
				{SignalID: "target_temp", Value: devices.DoubleValue(50.0), Quality: devices.QualityOK, ObservedAtUnixNano: 1234567890},
			},
		},
		{RequestID: 6, Status: Status{Code: kernelerr.OK}, Kind: KindCall},
		{RequestID: 7, Status: Status{Code: kernelerr.InvalidArgument, Message: "value above maximum"}, Kind: KindCall},
	}

	for _, resp := range cases {
		encoded := MarshalResponse(resp)
		got, err := UnmarshalResponse(encoded)
		require.NoError(t, err)
		assert.Equal(t, resp, got)
	}
}

func TestUnmarshalResponseRequiresStatus(t *testing.T) {
	_, err := UnmarshalResponse(nil)
	assert.Error(t, err)
}

func TestUnmarshalRequestRequiresPayload(t *testing.T) {
	var b []byte
	b = appendOnlyID(b, 42)
	_, err := UnmarshalRequest(b)
	assert.Error(t, err)
}

func appendOnlyID(b []byte, id uint64) []byte {
	req := Request{RequestID: id}
	// Force a request with only the id field set by marshaling Hello and
	// truncating the oneof bytes off the end is fragile; instead just
	// assert MarshalRequest/UnmarshalRequest disagree deliberately is out
	// of scope here. Hello always carries a oneof, so emulate "id only"
	// by hand: tag 1 (varint) + value.
	_ = req
	b = append(b, 0x08) // field 1, varint wiretype
	b = appendVarintHelper(b, id)
	return b
}

func appendVarintHelper(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

func TestDeviceRoundTrip(t *testing.T) {
	// ProviderID and Generation are stamped locally by DeviceRegistry
	// after DescribeDevice returns; they are never on the wire.
	dev := devices.Device{
		DeviceID: "tempctl0",
		Signals: []devices.SignalSpec{
			{SignalID: "target_temp", ValueType: devices.TypeDouble, AutoPoll: true, StaleAfterMs: 1000, Label: "Target temperature"},
		},
		Functions: []devices.FunctionSpec{
			{
				FunctionID: 2,
				Name:       "set_setpoint",
				Args: []devices.ArgSpec{
					{Name: "value", ValueType: devices.TypeDouble, Required: true, HasMin: true, Min: 0, HasMax: true, Max: 100},
				},
			},
		},
	}

	resp := Response{RequestID: 9, Status: Status{Code: kernelerr.OK}, Kind: KindDescribeDevice, DescribeDeviceResult: dev}
	encoded := MarshalResponse(resp)
	got, err := UnmarshalResponse(encoded)
	require.NoError(t, err)
	assert.Equal(t, dev, got.DescribeDeviceResult)
}
