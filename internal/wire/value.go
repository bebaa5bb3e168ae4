// Package wire implements the ADPP request/response envelope (§6): the
// protobuf-serialized payload carried inside each FramedChannel frame.
//
// There is no .proto/protoc step available at the provider-process
// boundary (providers are independently developed executables, possibly
// not even in Go), so the envelope is hand-encoded directly against
// google.golang.org/protobuf/encoding/protowire — the same varint/
// length-delimited wire primitives the generated protobuf runtime itself
// sits on. This keeps the wire format byte-compatible with what a real
// .proto schema of the same shape would produce, while letting the kernel
// side be written and read without a code-generation toolchain.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/anolis-robotics/anolis-core/internal/devices"
)

// Field numbers for the Value message. Exactly one is present on the wire;
// which one determines the decoded ValueType (protobuf oneof semantics by
// field presence, without declaring a formal oneof in a .proto).
const (
	fieldValueDouble = protowire.Number(1)
	fieldValueInt64  = protowire.Number(2)
	fieldValueUint64 = protowire.Number(3)
	fieldValueBool   = protowire.Number(4)
	fieldValueString = protowire.Number(5)
	fieldValueBytes  = protowire.Number(6)
)

func appendValue(b []byte, num protowire.Number, v devices.Value) []byte {
	var inner []byte
	switch v.Type {
	case devices.TypeDouble:
		inner = protowire.AppendTag(inner, fieldValueDouble, protowire.Fixed64Type)
		inner = protowire.AppendFixed64(inner, doubleBits(v.Double))
	case devices.TypeInt64:
		inner = protowire.AppendTag(inner, fieldValueInt64, protowire.VarintType)
		inner = protowire.AppendVarint(inner, protowire.EncodeZigZag(v.Int64))
	case devices.TypeUint64:
		inner = protowire.AppendTag(inner, fieldValueUint64, protowire.VarintType)
		inner = protowire.AppendVarint(inner, v.Uint64)
	case devices.TypeBool:
		inner = protowire.AppendTag(inner, fieldValueBool, protowire.VarintType)
		b2 := uint64(0)
		if v.Bool {
			b2 = 1
		}
		inner = protowire.AppendVarint(inner, b2)
	case devices.TypeString:
		inner = protowire.AppendTag(inner, fieldValueString, protowire.BytesType)
		inner = protowire.AppendString(inner, v.Str)
	case devices.TypeBytes:
		inner = protowire.AppendTag(inner, fieldValueBytes, protowire.BytesType)
		inner = protowire.AppendBytes(inner, v.Bytes)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

func consumeValue(b []byte) (devices.Value, int, error) {
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return devices.Value{}, 0, fmt.Errorf("wire: truncated Value: %w", protowire.ParseError(n))
	}
	var out devices.Value
	set := false
	for len(msg) > 0 {
		num, typ, tn := protowire.ConsumeTag(msg)
		if tn < 0 {
			return devices.Value{}, 0, fmt.Errorf("wire: bad Value tag: %w", protowire.ParseError(tn))
		}
		msg = msg[tn:]
		switch num {
		case fieldValueDouble:
			v, vn := protowire.ConsumeFixed64(msg)
			if vn < 0 {
				return devices.Value{}, 0, fmt.Errorf("wire: bad double: %w", protowire.ParseError(vn))
			}
			out = devices.DoubleValue(bitsToDouble(v))
			msg = msg[vn:]
			set = true
		case fieldValueInt64:
			v, vn := protowire.ConsumeVarint(msg)
			if vn < 0 {
				return devices.Value{}, 0, fmt.Errorf("wire: bad int64: %w", protowire.ParseError(vn))
			}
			out = devices.Int64Value(protowire.DecodeZigZag(v))
			msg = msg[vn:]
			set = true
		case fieldValueUint64:
			v, vn := protowire.ConsumeVarint(msg)
			if vn < 0 {
				return devices.Value{}, 0, fmt.Errorf("wire: bad uint64: %w", protowire.ParseError(vn))
			}
			out = devices.Uint64Value(v)
			msg = msg[vn:]
			set = true
		case fieldValueBool:
			v, vn := protowire.ConsumeVarint(msg)
			if vn < 0 {
				return devices.Value{}, 0, fmt.Errorf("wire: bad bool: %w", protowire.ParseError(vn))
			}
			out = devices.BoolValue(v != 0)
			msg = msg[vn:]
			set = true
		case fieldValueString:
			v, vn := protowire.ConsumeString(msg)
			if vn < 0 {
				return devices.Value{}, 0, fmt.Errorf("wire: bad string: %w", protowire.ParseError(vn))
			}
			out = devices.StringValue(v)
			msg = msg[vn:]
			set = true
		case fieldValueBytes:
			v, vn := protowire.ConsumeBytes(msg)
			if vn < 0 {
				return devices.Value{}, 0, fmt.Errorf("wire: bad bytes: %w", protowire.ParseError(vn))
			}
			out = devices.BytesValue(v)
			msg = msg[vn:]
			set = true
		default:
			skipN := protowire.ConsumeFieldValue(num, typ, msg)
			if skipN < 0 {
				return devices.Value{}, 0, fmt.Errorf("wire: bad unknown field: %w", protowire.ParseError(skipN))
			}
			msg = msg[skipN:]
		}
	}
	if !set {
		return devices.Value{}, 0, fmt.Errorf("wire: Value with no typed field set")
	}
	return out, n, nil
}
