package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/anolis-robotics/anolis-core/internal/devices"
)

// SignalSpec field numbers.
const (
	fSigID           = protowire.Number(1)
	fSigValueType    = protowire.Number(2)
	fSigPollHintHz   = protowire.Number(3)
	fSigStaleAfterMs = protowire.Number(4)
	fSigLabel        = protowire.Number(5)
	fSigAutoPoll     = protowire.Number(6)
)

func appendSignalSpec(b []byte, num protowire.Number, s devices.SignalSpec) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fSigID, protowire.BytesType)
	inner = protowire.AppendString(inner, s.SignalID)
	inner = protowire.AppendTag(inner, fSigValueType, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(s.ValueType))
	if s.PollHintHz != 0 {
		inner = protowire.AppendTag(inner, fSigPollHintHz, protowire.Fixed64Type)
		inner = protowire.AppendFixed64(inner, doubleBits(s.PollHintHz))
	}
	if s.StaleAfterMs != 0 {
		inner = protowire.AppendTag(inner, fSigStaleAfterMs, protowire.VarintType)
		inner = protowire.AppendVarint(inner, s.StaleAfterMs)
	}
	if s.Label != "" {
		inner = protowire.AppendTag(inner, fSigLabel, protowire.BytesType)
		inner = protowire.AppendString(inner, s.Label)
	}
	if s.AutoPoll {
		inner = protowire.AppendTag(inner, fSigAutoPoll, protowire.VarintType)
		inner = protowire.AppendVarint(inner, 1)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func consumeSignalSpec(b []byte) (devices.SignalSpec, int, error) {
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return devices.SignalSpec{}, 0, fmt.Errorf("wire: truncated SignalSpec: %w", protowire.ParseError(n))
	}
	var out devices.SignalSpec
	for len(msg) > 0 {
		num, typ, tn := protowire.ConsumeTag(msg)
		if tn < 0 {
			return devices.SignalSpec{}, 0, fmt.Errorf("wire: bad SignalSpec tag: %w", protowire.ParseError(tn))
		}
		msg = msg[tn:]
		switch num {
		case fSigID:
			v, vn := protowire.ConsumeString(msg)
			out.SignalID = v
			msg = msg[vn:]
		case fSigValueType:
			v, vn := protowire.ConsumeVarint(msg)
			out.ValueType = devices.ValueType(v)
			msg = msg[vn:]
		case fSigPollHintHz:
			v, vn := protowire.ConsumeFixed64(msg)
			out.PollHintHz = bitsToDouble(v)
			msg = msg[vn:]
		case fSigStaleAfterMs:
			v, vn := protowire.ConsumeVarint(msg)
			out.StaleAfterMs = v
			msg = msg[vn:]
		case fSigLabel:
			v, vn := protowire.ConsumeString(msg)
			out.Label = v
			msg = msg[vn:]
		case fSigAutoPoll:
			v, vn := protowire.ConsumeVarint(msg)
			out.AutoPoll = v != 0
			msg = msg[vn:]
		default:
			skipN := protowire.ConsumeFieldValue(num, typ, msg)
			if skipN < 0 {
				return devices.SignalSpec{}, 0, fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(skipN))
			}
			msg = msg[skipN:]
		}
	}
	return out, n, nil
}

// ArgSpec field numbers.
const (
	fArgName        = protowire.Number(1)
	fArgValueType   = protowire.Number(2)
	fArgRequired    = protowire.Number(3)
	fArgHasMin      = protowire.Number(4)
	fArgMin         = protowire.Number(5)
	fArgHasMax      = protowire.Number(6)
	fArgMax         = protowire.Number(7)
	fArgAllowedStr  = protowire.Number(8)
	fArgDescription = protowire.Number(9)
	fArgUnit        = protowire.Number(10)
)

func appendArgSpec(b []byte, num protowire.Number, a devices.ArgSpec) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fArgName, protowire.BytesType)
	inner = protowire.AppendString(inner, a.Name)
	inner = protowire.AppendTag(inner, fArgValueType, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(a.ValueType))
	if a.Required {
		inner = protowire.AppendTag(inner, fArgRequired, protowire.VarintType)
		inner = protowire.AppendVarint(inner, 1)
	}
	if a.HasMin {
		inner = protowire.AppendTag(inner, fArgHasMin, protowire.VarintType)
		inner = protowire.AppendVarint(inner, 1)
		inner = protowire.AppendTag(inner, fArgMin, protowire.Fixed64Type)
		inner = protowire.AppendFixed64(inner, doubleBits(a.Min))
	}
	if a.HasMax {
		inner = protowire.AppendTag(inner, fArgHasMax, protowire.VarintType)
		inner = protowire.AppendVarint(inner, 1)
		inner = protowire.AppendTag(inner, fArgMax, protowire.Fixed64Type)
		inner = protowire.AppendFixed64(inner, doubleBits(a.Max))
	}
	for _, s := range a.AllowedStrings {
		inner = protowire.AppendTag(inner, fArgAllowedStr, protowire.BytesType)
		inner = protowire.AppendString(inner, s)
	}
	if a.Description != "" {
		inner = protowire.AppendTag(inner, fArgDescription, protowire.BytesType)
		inner = protowire.AppendString(inner, a.Description)
	}
	if a.Unit != "" {
		inner = protowire.AppendTag(inner, fArgUnit, protowire.BytesType)
		inner = protowire.AppendString(inner, a.Unit)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func consumeArgSpec(b []byte) (devices.ArgSpec, int, error) {
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return devices.ArgSpec{}, 0, fmt.Errorf("wire: truncated ArgSpec: %w", protowire.ParseError(n))
	}
	var out devices.ArgSpec
	for len(msg) > 0 {
		num, typ, tn := protowire.ConsumeTag(msg)
		if tn < 0 {
			return devices.ArgSpec{}, 0, fmt.Errorf("wire: bad ArgSpec tag: %w", protowire.ParseError(tn))
		}
		msg = msg[tn:]
		switch num {
		case fArgName:
			v, vn := protowire.ConsumeString(msg)
			out.Name = v
			msg = msg[vn:]
		case fArgValueType:
			v, vn := protowire.ConsumeVarint(msg)
			out.ValueType = devices.ValueType(v)
			msg = msg[vn:]
		case fArgRequired:
			v, vn := protowire.ConsumeVarint(msg)
			out.Required = v != 0
			msg = msg[vn:]
		case fArgHasMin:
			v, vn := protowire.ConsumeVarint(msg)
			out.HasMin = v != 0
			msg = msg[vn:]
		case fArgMin:
			v, vn := protowire.ConsumeFixed64(msg)
			out.Min = bitsToDouble(v)
			msg = msg[vn:]
		case fArgHasMax:
			v, vn := protowire.ConsumeVarint(msg)
			out.HasMax = v != 0
			msg = msg[vn:]
		case fArgMax:
			v, vn := protowire.ConsumeFixed64(msg)
			out.Max = bitsToDouble(v)
			msg = msg[vn:]
		case fArgAllowedStr:
			v, vn := protowire.ConsumeString(msg)
			out.AllowedStrings = append(out.AllowedStrings, v)
			msg = msg[vn:]
		case fArgDescription:
			v, vn := protowire.ConsumeString(msg)
			out.Description = v
			msg = msg[vn:]
		case fArgUnit:
			v, vn := protowire.ConsumeString(msg)
			out.Unit = v
			msg = msg[vn:]
		default:
			skipN := protowire.ConsumeFieldValue(num, typ, msg)
			if skipN < 0 {
				return devices.ArgSpec{}, 0, fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(skipN))
			}
			msg = msg[skipN:]
		}
	}
	return out, n, nil
}

// FunctionSpec field numbers.
const (
	fFuncID   = protowire.Number(1)
	fFuncName = protowire.Number(2)
	fFuncArgs = protowire.Number(3)
)

func appendFunctionSpec(b []byte, num protowire.Number, f devices.FunctionSpec) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fFuncID, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(f.FunctionID))
	inner = protowire.AppendTag(inner, fFuncName, protowire.BytesType)
	inner = protowire.AppendString(inner, f.Name)
	for _, a := range f.Args {
		inner = appendArgSpec(inner, fFuncArgs, a)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func consumeFunctionSpec(b []byte) (devices.FunctionSpec, int, error) {
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return devices.FunctionSpec{}, 0, fmt.Errorf("wire: truncated FunctionSpec: %w", protowire.ParseError(n))
	}
	var out devices.FunctionSpec
	for len(msg) > 0 {
		num, typ, tn := protowire.ConsumeTag(msg)
		if tn < 0 {
			return devices.FunctionSpec{}, 0, fmt.Errorf("wire: bad FunctionSpec tag: %w", protowire.ParseError(tn))
		}
		msg = msg[tn:]
		switch num {
		case fFuncID:
			v, vn := protowire.ConsumeVarint(msg)
			out.FunctionID = uint32(v)
			msg = msg[vn:]
		case fFuncName:
			v, vn := protowire.ConsumeString(msg)
			out.Name = v
			msg = msg[vn:]
		case fFuncArgs:
			a, an, err := consumeArgSpec(msg)
			if err != nil {
				return devices.FunctionSpec{}, 0, err
			}
			out.Args = append(out.Args, a)
			msg = msg[an:]
		default:
			skipN := protowire.ConsumeFieldValue(num, typ, msg)
			if skipN < 0 {
				return devices.FunctionSpec{}, 0, fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(skipN))
			}
			msg = msg[skipN:]
		}
	}
	return out, n, nil
}

// Device (capability set) field numbers, as carried in DescribeDeviceResponse.
const (
	fDevID        = protowire.Number(1)
	fDevSignals   = protowire.Number(2)
	fDevFunctions = protowire.Number(3)
)

func appendDevice(b []byte, num protowire.Number, d devices.Device) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fDevID, protowire.BytesType)
	inner = protowire.AppendString(inner, d.DeviceID)
	for _, s := range d.Signals {
		inner = appendSignalSpec(inner, fDevSignals, s)
	}
	for _, f := range d.Functions {
		inner = appendFunctionSpec(inner, fDevFunctions, f)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func consumeDevice(b []byte) (devices.Device, int, error) {
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return devices.Device{}, 0, fmt.Errorf("wire: truncated Device: %w", protowire.ParseError(n))
	}
	var out devices.Device
	for len(msg) > 0 {
		num, typ, tn := protowire.ConsumeTag(msg)
		if tn < 0 {
			return devices.Device{}, 0, fmt.Errorf("wire: bad Device tag: %w", protowire.ParseError(tn))
		}
		msg = msg[tn:]
		switch num {
		case fDevID:
			v, vn := protowire.ConsumeString(msg)
			out.DeviceID = v
			msg = msg[vn:]
		case fDevSignals:
			s, sn, err := consumeSignalSpec(msg)
			if err != nil {
				return devices.Device{}, 0, err
			}
			out.Signals = append(out.Signals, s)
			msg = msg[sn:]
		case fDevFunctions:
			f, fn, err := consumeFunctionSpec(msg)
			if err != nil {
				return devices.Device{}, 0, err
			}
			out.Functions = append(out.Functions, f)
			msg = msg[fn:]
		default:
			skipN := protowire.ConsumeFieldValue(num, typ, msg)
			if skipN < 0 {
				return devices.Device{}, 0, fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(skipN))
			}
			msg = msg[skipN:]
		}
	}
	return out, n, nil
}
