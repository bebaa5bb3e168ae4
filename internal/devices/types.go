// Package devices holds the capability data model (§3) and the
// concurrent-read-safe DeviceRegistry (§4.4) that stores it.
package devices

import "fmt"

// ValueType is the codomain of typed signal/argument values that can cross
// the wire (§3: "double, int64, uint64, bool, string, bytes").
type ValueType int

const (
	TypeDouble ValueType = iota
	TypeInt64
	TypeUint64
	TypeBool
	TypeString
	TypeBytes
)

func (t ValueType) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeInt64:
		return "int64"
	case TypeUint64:
		return "uint64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("value_type(%d)", int(t))
	}
}

// Value is a typed signal or argument value. Exactly one of the typed
// fields is meaningful, selected by Type.
type Value struct {
	Type   ValueType
	Double float64
	Int64  int64
	Uint64 uint64
	Bool   bool
	Str    string
	Bytes  []byte
}

func DoubleValue(v float64) Value { return Value{Type: TypeDouble, Double: v} }
func Int64Value(v int64) Value    { return Value{Type: TypeInt64, Int64: v} }
func Uint64Value(v uint64) Value  { return Value{Type: TypeUint64, Uint64: v} }
func BoolValue(v bool) Value      { return Value{Type: TypeBool, Bool: v} }
func StringValue(v string) Value  { return Value{Type: TypeString, Str: v} }
func BytesValue(v []byte) Value   { return Value{Type: TypeBytes, Bytes: append([]byte(nil), v...)} }

// AsFloat64 returns a numeric interpretation of the value, used for
// min/max bounds checking regardless of the concrete numeric type.
func (v Value) AsFloat64() (float64, bool) {
	switch v.Type {
	case TypeDouble:
		return v.Double, true
	case TypeInt64:
		return float64(v.Int64), true
	case TypeUint64:
		return float64(v.Uint64), true
	default:
		return 0, false
	}
}

// Clone returns a deep copy, so callers never observe shared mutable state
// across restarts (§3 Ownership).
func (v Value) Clone() Value {
	c := v
	if v.Bytes != nil {
		c.Bytes = append([]byte(nil), v.Bytes...)
	}
	return c
}

func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeDouble:
		return v.Double == o.Double
	case TypeInt64:
		return v.Int64 == o.Int64
	case TypeUint64:
		return v.Uint64 == o.Uint64
	case TypeBool:
		return v.Bool == o.Bool
	case TypeString:
		return v.Str == o.Str
	case TypeBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	}
	return false
}

// SignalSpec declares one readable observable on a device.
type SignalSpec struct {
	SignalID    string
	ValueType   ValueType
	PollHintHz  float64 // 0 means unset
	StaleAfterMs uint64 // 0 means "use the cache's configured default"
	Label       string
	AutoPoll    bool
}

// ArgSpec declares one named, typed, optionally-bounded function argument.
type ArgSpec struct {
	Name           string
	ValueType      ValueType
	Required       bool
	HasMin         bool
	Min            float64
	HasMax         bool
	Max            float64
	AllowedStrings []string // empty means unconstrained
	Description    string
	Unit           string
}

// FunctionSpec declares one callable action on a device.
type FunctionSpec struct {
	FunctionID uint32
	Name       string
	Args       []ArgSpec
}

// Device is the frozen-at-discovery capability set for one
// (provider-id, device-id) pair.
type Device struct {
	ProviderID string
	DeviceID   string
	Signals    []SignalSpec
	Functions  []FunctionSpec
	// Generation increments every time this provider is rediscovered after
	// a restart; it lets callers detect that a handle they hold is stale.
	Generation uint64
}

// Clone returns a deep copy so registry readers never share backing arrays.
func (d Device) Clone() Device {
	c := d
	c.Signals = append([]SignalSpec(nil), d.Signals...)
	c.Functions = make([]FunctionSpec, len(d.Functions))
	for i, f := range d.Functions {
		f.Args = append([]ArgSpec(nil), f.Args...)
		for j := range f.Args {
			f.Args[j].AllowedStrings = append([]string(nil), f.Args[j].AllowedStrings...)
		}
		c.Functions[i] = f
	}
	return c
}

// Handle returns the "{provider}/{device}" string form used by lookups and
// events.
func (d Device) Handle() string {
	return d.ProviderID + "/" + d.DeviceID
}

// FindSignal returns the SignalSpec named signalID, if declared.
func (d Device) FindSignal(signalID string) (SignalSpec, bool) {
	for _, s := range d.Signals {
		if s.SignalID == signalID {
			return s, true
		}
	}
	return SignalSpec{}, false
}

// FindFunctionByName returns the FunctionSpec named name, if declared.
func (d Device) FindFunctionByName(name string) (FunctionSpec, bool) {
	for _, f := range d.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return FunctionSpec{}, false
}

// FindFunctionByID returns the FunctionSpec with the given id, if declared.
func (d Device) FindFunctionByID(id uint32) (FunctionSpec, bool) {
	for _, f := range d.Functions {
		if f.FunctionID == id {
			return f, true
		}
	}
	return FunctionSpec{}, false
}

// AutoPollSignals returns the signal ids flagged for periodic polling.
func (d Device) AutoPollSignals() []string {
	out := make([]string, 0, len(d.Signals))
	for _, s := range d.Signals {
		if s.AutoPoll {
			out = append(out, s.SignalID)
		}
	}
	return out
}
