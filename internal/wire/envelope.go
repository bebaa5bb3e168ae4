package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/anolis-robotics/anolis-core/internal/devices"
	"github.com/anolis-robotics/anolis-core/internal/kernelerr"
)

// Kind discriminates the oneof payload carried by a Request/Response pair.
type Kind int

const (
	KindHello Kind = iota
	KindWaitReady
	KindListDevices
	KindDescribeDevice
	KindReadSignals
	KindCall
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindWaitReady:
		return "WaitReady"
	case KindListDevices:
		return "ListDevices"
	case KindDescribeDevice:
		return "DescribeDevice"
	case KindReadSignals:
		return "ReadSignals"
	case KindCall:
		return "Call"
	default:
		return "Unknown"
	}
}

// NamedValue is one {name: value} pair in a Call request's argument map.
type NamedValue struct {
	Name  string
	Value devices.Value
}

// Request is the top-level request envelope (§6).
type Request struct {
	RequestID uint64
	Kind      Kind

	DescribeDeviceID string   // KindDescribeDevice
	ReadSignalsDevice string  // KindReadSignals
	ReadSignalsIDs   []string // KindReadSignals

	CallDevice       string // KindCall
	CallFunctionID   uint32 // KindCall; 0 means "use CallFunctionName"
	CallFunctionName string // KindCall
	CallArgs         []NamedValue
}

// Request field numbers.
const (
	fReqID             = protowire.Number(1)
	fReqHello          = protowire.Number(2)
	fReqWaitReady      = protowire.Number(3)
	fReqListDevices    = protowire.Number(4)
	fReqDescribeDevice = protowire.Number(5)
	fReqReadSignals    = protowire.Number(6)
	fReqCall           = protowire.Number(7)

	fDescribeDeviceID = protowire.Number(1)

	fReadSignalsDevice = protowire.Number(1)
	fReadSignalsIDs    = protowire.Number(2)

	fCallDevice       = protowire.Number(1)
	fCallFunctionID   = protowire.Number(2)
	fCallFunctionName = protowire.Number(3)
	fCallArgName      = protowire.Number(1) // within NamedValue submessage
	fCallArgValue     = protowire.Number(2)
	fCallArgs         = protowire.Number(4) // within Call submessage
)

// MarshalRequest serializes req into an ADPP request envelope.
func MarshalRequest(req Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, fReqID, protowire.VarintType)
	b = protowire.AppendVarint(b, req.RequestID)

	switch req.Kind {
	case KindHello:
		b = protowire.AppendTag(b, fReqHello, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case KindWaitReady:
		b = protowire.AppendTag(b, fReqWaitReady, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case KindListDevices:
		b = protowire.AppendTag(b, fReqListDevices, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case KindDescribeDevice:
		var inner []byte
		inner = protowire.AppendTag(inner, fDescribeDeviceID, protowire.BytesType)
		inner = protowire.AppendString(inner, req.DescribeDeviceID)
		b = protowire.AppendTag(b, fReqDescribeDevice, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case KindReadSignals:
		var inner []byte
		inner = protowire.AppendTag(inner, fReadSignalsDevice, protowire.BytesType)
		inner = protowire.AppendString(inner, req.ReadSignalsDevice)
		for _, id := range req.ReadSignalsIDs {
			inner = protowire.AppendTag(inner, fReadSignalsIDs, protowire.BytesType)
			inner = protowire.AppendString(inner, id)
		}
		b = protowire.AppendTag(b, fReqReadSignals, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case KindCall:
		var inner []byte
		inner = protowire.AppendTag(inner, fCallDevice, protowire.BytesType)
		inner = protowire.AppendString(inner, req.CallDevice)
		if req.CallFunctionID != 0 {
			inner = protowire.AppendTag(inner, fCallFunctionID, protowire.VarintType)
			inner = protowire.AppendVarint(inner, uint64(req.CallFunctionID))
		}
		if req.CallFunctionName != "" {
			inner = protowire.AppendTag(inner, fCallFunctionName, protowire.BytesType)
			inner = protowire.AppendString(inner, req.CallFunctionName)
		}
		for _, arg := range req.CallArgs {
			var nv []byte
			nv = protowire.AppendTag(nv, fCallArgName, protowire.BytesType)
			nv = protowire.AppendString(nv, arg.Name)
			nv = appendValue(nv, fCallArgValue, arg.Value)
			inner = protowire.AppendTag(inner, fCallArgs, protowire.BytesType)
			inner = protowire.AppendBytes(inner, nv)
		}
		b = protowire.AppendTag(b, fReqCall, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

// UnmarshalRequest parses an ADPP request envelope.
func UnmarshalRequest(b []byte) (Request, error) {
	var out Request
	kindSeen := false
	for len(b) > 0 {
		num, typ, tn := protowire.ConsumeTag(b)
		if tn < 0 {
			return Request{}, fmt.Errorf("wire: bad Request tag: %w", protowire.ParseError(tn))
		}
		b = b[tn:]
		switch num {
		case fReqID:
			v, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return Request{}, fmt.Errorf("wire: bad request_id: %w", protowire.ParseError(vn))
			}
			out.RequestID = v
			b = b[vn:]
		case fReqHello:
			_, vn := protowire.ConsumeBytes(b)
			out.Kind = KindHello
			kindSeen = true
			b = b[vn:]
		case fReqWaitReady:
			_, vn := protowire.ConsumeBytes(b)
			out.Kind = KindWaitReady
			kindSeen = true
			b = b[vn:]
		case fReqListDevices:
			_, vn := protowire.ConsumeBytes(b)
			out.Kind = KindListDevices
			kindSeen = true
			b = b[vn:]
		case fReqDescribeDevice:
			msg, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return Request{}, fmt.Errorf("wire: bad DescribeDevice: %w", protowire.ParseError(vn))
			}
			out.Kind = KindDescribeDevice
			kindSeen = true
			for len(msg) > 0 {
				n2, _, t2 := protowire.ConsumeTag(msg)
				if t2 < 0 {
					return Request{}, fmt.Errorf("wire: bad DescribeDevice field: %w", protowire.ParseError(t2))
				}
				msg = msg[t2:]
				if n2 == fDescribeDeviceID {
					v, sn := protowire.ConsumeString(msg)
					out.DescribeDeviceID = v
					msg = msg[sn:]
				} else {
					return Request{}, fmt.Errorf("wire: unknown DescribeDevice field %d", n2)
				}
			}
			b = b[vn:]
		case fReqReadSignals:
			msg, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return Request{}, fmt.Errorf("wire: bad ReadSignals: %w", protowire.ParseError(vn))
			}
			out.Kind = KindReadSignals
			kindSeen = true
			for len(msg) > 0 {
				n2, _, t2 := protowire.ConsumeTag(msg)
				if t2 < 0 {
					return Request{}, fmt.Errorf("wire: bad ReadSignals field: %w", protowire.ParseError(t2))
				}
				msg = msg[t2:]
				switch n2 {
				case fReadSignalsDevice:
					v, sn := protowire.ConsumeString(msg)
					out.ReadSignalsDevice = v
					msg = msg[sn:]
				case fReadSignalsIDs:
					v, sn := protowire.ConsumeString(msg)
					out.ReadSignalsIDs = append(out.ReadSignalsIDs, v)
					msg = msg[sn:]
				default:
					return Request{}, fmt.Errorf("wire: unknown ReadSignals field %d", n2)
				}
			}
			b = b[vn:]
		case fReqCall:
			msg, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return Request{}, fmt.Errorf("wire: bad Call: %w", protowire.ParseError(vn))
			}
			out.Kind = KindCall
			kindSeen = true
			for len(msg) > 0 {
				n2, t2typ, t2 := protowire.ConsumeTag(msg)
				if t2 < 0 {
					return Request{}, fmt.Errorf("wire: bad Call field: %w", protowire.ParseError(t2))
				}
				msg = msg[t2:]
				switch n2 {
				case fCallDevice:
					v, sn := protowire.ConsumeString(msg)
					out.CallDevice = v
					msg = msg[sn:]
				case fCallFunctionID:
					v, sn := protowire.ConsumeVarint(msg)
					out.CallFunctionID = uint32(v)
					msg = msg[sn:]
				case fCallFunctionName:
					v, sn := protowire.ConsumeString(msg)
					out.CallFunctionName = v
					msg = msg[sn:]
				case fCallArgs:
					nv, sn := protowire.ConsumeBytes(msg)
					if sn < 0 {
						return Request{}, fmt.Errorf("wire: bad Call arg: %w", protowire.ParseError(sn))
					}
					var name string
					var val devices.Value
					for len(nv) > 0 {
						n3, _, t3 := protowire.ConsumeTag(nv)
						if t3 < 0 {
							return Request{}, fmt.Errorf("wire: bad arg field: %w", protowire.ParseError(t3))
						}
						nv = nv[t3:]
						switch n3 {
						case fCallArgName:
							v, vn3 := protowire.ConsumeString(nv)
							name = v
							nv = nv[vn3:]
						case fCallArgValue:
							v, vn3, err := consumeValue(nv)
							if err != nil {
								return Request{}, err
							}
							val = v
							nv = nv[vn3:]
						default:
							return Request{}, fmt.Errorf("wire: unknown NamedValue field %d", n3)
						}
					}
					out.CallArgs = append(out.CallArgs, NamedValue{Name: name, Value: val})
					msg = msg[sn:]
				default:
					skipN := protowire.ConsumeFieldValue(n2, t2typ, msg)
					if skipN < 0 {
						return Request{}, fmt.Errorf("wire: bad unknown Call field: %w", protowire.ParseError(skipN))
					}
					msg = msg[skipN:]
				}
			}
			b = b[vn:]
		default:
			skipN := protowire.ConsumeFieldValue(num, typ, b)
			if skipN < 0 {
				return Request{}, fmt.Errorf("wire: bad unknown Request field: %w", protowire.ParseError(skipN))
			}
			b = b[skipN:]
		}
	}
	if !kindSeen {
		return Request{}, fmt.Errorf("wire: Request with no payload oneof set")
	}
	return out, nil
}

// Status is the top-level result of processing a Request.
type Status struct {
	Code    kernelerr.Code
	Message string
	Details string
}

func (s Status) OK() bool { return s.Code == kernelerr.OK }

// SignalValueEntry is one observed signal inside a ReadSignals response.
type SignalValueEntry struct {
	SignalID         string
	Value            devices.Value
	Quality          devices.Quality
	ObservedAtUnixNano int64
}

// Response is the top-level response envelope (§6).
type Response struct {
	RequestID uint64
	Status    Status
	Kind      Kind

	HelloProtocolVersion string // KindHello
	HelloSupportsWaitReady bool // KindHello

	ListDevicesIDs []string // KindListDevices

	DescribeDeviceResult devices.Device // KindDescribeDevice

	ReadSignalsValues []SignalValueEntry // KindReadSignals
}

const (
	fRespID             = protowire.Number(1)
	fRespStatus         = protowire.Number(2)
	fRespHello          = protowire.Number(3)
	fRespWaitReady      = protowire.Number(4)
	fRespListDevices    = protowire.Number(5)
	fRespDescribeDevice = protowire.Number(6)
	fRespReadSignals    = protowire.Number(7)
	fRespCall           = protowire.Number(8)

	fStatusCode    = protowire.Number(1)
	fStatusMessage = protowire.Number(2)
	fStatusDetails = protowire.Number(3)

	fHelloVersion  = protowire.Number(1)
	fHelloWaitRdy  = protowire.Number(2)

	fListDevID = protowire.Number(1)

	fReadValSignal = protowire.Number(1)
	fReadValValue  = protowire.Number(2)
	fReadValQual   = protowire.Number(3)
	fReadValTS     = protowire.Number(4)
	fReadValsEntry = protowire.Number(1) // within ReadSignalsResponse submessage
)

func appendStatus(b []byte, num protowire.Number, s Status) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fStatusCode, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(s.Code))
	if s.Message != "" {
		inner = protowire.AppendTag(inner, fStatusMessage, protowire.BytesType)
		inner = protowire.AppendString(inner, s.Message)
	}
	if s.Details != "" {
		inner = protowire.AppendTag(inner, fStatusDetails, protowire.BytesType)
		inner = protowire.AppendString(inner, s.Details)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func consumeStatus(b []byte) (Status, error) {
	var out Status
	for len(b) > 0 {
		num, typ, tn := protowire.ConsumeTag(b)
		if tn < 0 {
			return Status{}, fmt.Errorf("wire: bad Status tag: %w", protowire.ParseError(tn))
		}
		b = b[tn:]
		switch num {
		case fStatusCode:
			v, vn := protowire.ConsumeVarint(b)
			out.Code = kernelerr.Code(v)
			b = b[vn:]
		case fStatusMessage:
			v, vn := protowire.ConsumeString(b)
			out.Message = v
			b = b[vn:]
		case fStatusDetails:
			v, vn := protowire.ConsumeString(b)
			out.Details = v
			b = b[vn:]
		default:
			skipN := protowire.ConsumeFieldValue(num, typ, b)
			if skipN < 0 {
				return Status{}, fmt.Errorf("wire: bad unknown Status field: %w", protowire.ParseError(skipN))
			}
			b = b[skipN:]
		}
	}
	return out, nil
}

// MarshalResponse serializes resp into an ADPP response envelope.
func MarshalResponse(resp Response) []byte {
	var b []byte
	b = protowire.AppendTag(b, fRespID, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.RequestID)
	b = appendStatus(b, fRespStatus, resp.Status)

	switch resp.Kind {
	case KindHello:
		var inner []byte
		inner = protowire.AppendTag(inner, fHelloVersion, protowire.BytesType)
		inner = protowire.AppendString(inner, resp.HelloProtocolVersion)
		if resp.HelloSupportsWaitReady {
			inner = protowire.AppendTag(inner, fHelloWaitRdy, protowire.VarintType)
			inner = protowire.AppendVarint(inner, 1)
		}
		b = protowire.AppendTag(b, fRespHello, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case KindWaitReady:
		b = protowire.AppendTag(b, fRespWaitReady, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case KindListDevices:
		var inner []byte
		for _, id := range resp.ListDevicesIDs {
			inner = protowire.AppendTag(inner, fListDevID, protowire.BytesType)
			inner = protowire.AppendString(inner, id)
		}
		b = protowire.AppendTag(b, fRespListDevices, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case KindDescribeDevice:
		b = appendDevice(b, fRespDescribeDevice, resp.DescribeDeviceResult)
	case KindReadSignals:
		var inner []byte
		for _, entry := range resp.ReadSignalsValues {
			var e []byte
			e = protowire.AppendTag(e, fReadValSignal, protowire.BytesType)
			e = protowire.AppendString(e, entry.SignalID)
			e = appendValue(e, fReadValValue, entry.Value)
			e = protowire.AppendTag(e, fReadValQual, protowire.VarintType)
			e = protowire.AppendVarint(e, uint64(entry.Quality))
			e = protowire.AppendTag(e, fReadValTS, protowire.VarintType)
			e = protowire.AppendVarint(e, protowire.EncodeZigZag(entry.ObservedAtUnixNano))
			inner = protowire.AppendTag(inner, fReadValsEntry, protowire.BytesType)
			inner = protowire.AppendBytes(inner, e)
		}
		b = protowire.AppendTag(b, fRespReadSignals, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case KindCall:
		b = protowire.AppendTag(b, fRespCall, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	}
	return b
}

// UnmarshalResponse parses an ADPP response envelope.
func UnmarshalResponse(b []byte) (Response, error) {
	var out Response
	statusSeen, kindSeen := false, false
	for len(b) > 0 {
		num, typ, tn := protowire.ConsumeTag(b)
		if tn < 0 {
			return Response{}, fmt.Errorf("wire: bad Response tag: %w", protowire.ParseError(tn))
		}
		b = b[tn:]
		switch num {
		case fRespID:
			v, vn := protowire.ConsumeVarint(b)
			out.RequestID = v
			b = b[vn:]
		case fRespStatus:
			msg, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return Response{}, fmt.Errorf("wire: bad Status: %w", protowire.ParseError(vn))
			}
			st, err := consumeStatus(msg)
			if err != nil {
				return Response{}, err
			}
			out.Status = st
			statusSeen = true
			b = b[vn:]
		case fRespHello:
			msg, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return Response{}, fmt.Errorf("wire: bad HelloResponse: %w", protowire.ParseError(vn))
			}
			out.Kind = KindHello
			kindSeen = true
			for len(msg) > 0 {
				n2, _, t2 := protowire.ConsumeTag(msg)
				if t2 < 0 {
					return Response{}, fmt.Errorf("wire: bad Hello field: %w", protowire.ParseError(t2))
				}
				msg = msg[t2:]
				switch n2 {
				case fHelloVersion:
					v, sn := protowire.ConsumeString(msg)
					out.HelloProtocolVersion = v
					msg = msg[sn:]
				case fHelloWaitRdy:
					v, sn := protowire.ConsumeVarint(msg)
					out.HelloSupportsWaitReady = v != 0
					msg = msg[sn:]
				default:
					return Response{}, fmt.Errorf("wire: unknown Hello field %d", n2)
				}
			}
			b = b[vn:]
		case fRespWaitReady:
			_, vn := protowire.ConsumeBytes(b)
			out.Kind = KindWaitReady
			kindSeen = true
			b = b[vn:]
		case fRespListDevices:
			msg, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return Response{}, fmt.Errorf("wire: bad ListDevicesResponse: %w", protowire.ParseError(vn))
			}
			out.Kind = KindListDevices
			kindSeen = true
			for len(msg) > 0 {
				n2, _, t2 := protowire.ConsumeTag(msg)
				if t2 < 0 {
					return Response{}, fmt.Errorf("wire: bad ListDevices field: %w", protowire.ParseError(t2))
				}
				msg = msg[t2:]
				if n2 == fListDevID {
					v, sn := protowire.ConsumeString(msg)
					out.ListDevicesIDs = append(out.ListDevicesIDs, v)
					msg = msg[sn:]
				} else {
					return Response{}, fmt.Errorf("wire: unknown ListDevices field %d", n2)
				}
			}
			b = b[vn:]
		case fRespDescribeDevice:
			dev, vn, err := consumeDevice(b)
			if err != nil {
				return Response{}, err
			}
			out.Kind = KindDescribeDevice
			kindSeen = true
			out.DescribeDeviceResult = dev
			b = b[vn:]
		case fRespReadSignals:
			msg, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return Response{}, fmt.Errorf("wire: bad ReadSignalsResponse: %w", protowire.ParseError(vn))
			}
			out.Kind = KindReadSignals
			kindSeen = true
			for len(msg) > 0 {
				n2, t2typ, t2 := protowire.ConsumeTag(msg)
				if t2 < 0 {
					return Response{}, fmt.Errorf("wire: bad ReadSignals field: %w", protowire.ParseError(t2))
				}
				msg = msg[t2:]
				if n2 != fReadValsEntry {
					skipN := protowire.ConsumeFieldValue(n2, t2typ, msg)
					if skipN < 0 {
						return Response{}, fmt.Errorf("wire: bad unknown ReadSignals field: %w", protowire.ParseError(skipN))
					}
					msg = msg[skipN:]
					continue
				}
				e, en := protowire.ConsumeBytes(msg)
				if en < 0 {
					return Response{}, fmt.Errorf("wire: bad SignalValueEntry: %w", protowire.ParseError(en))
				}
				var entry SignalValueEntry
				for len(e) > 0 {
					n3, _, t3 := protowire.ConsumeTag(e)
					if t3 < 0 {
						return Response{}, fmt.Errorf("wire: bad entry field: %w", protowire.ParseError(t3))
					}
					e = e[t3:]
					switch n3 {
					case fReadValSignal:
						v, vn3 := protowire.ConsumeString(e)
						entry.SignalID = v
						e = e[vn3:]
					case fReadValValue:
						v, vn3, err := consumeValue(e)
						if err != nil {
							return Response{}, err
						}
						entry.Value = v
						e = e[vn3:]
					case fReadValQual:
						v, vn3 := protowire.ConsumeVarint(e)
						entry.Quality = devices.Quality(v)
						e = e[vn3:]
					case fReadValTS:
						v, vn3 := protowire.ConsumeVarint(e)
						entry.ObservedAtUnixNano = protowire.DecodeZigZag(v)
						e = e[vn3:]
					default:
						return Response{}, fmt.Errorf("wire: unknown entry field %d", n3)
					}
				}
				out.ReadSignalsValues = append(out.ReadSignalsValues, entry)
				msg = msg[en:]
			}
			b = b[vn:]
		case fRespCall:
			_, vn := protowire.ConsumeBytes(b)
			out.Kind = KindCall
			kindSeen = true
			b = b[vn:]
		default:
			skipN := protowire.ConsumeFieldValue(num, typ, b)
			if skipN < 0 {
				return Response{}, fmt.Errorf("wire: bad unknown Response field: %w", protowire.ParseError(skipN))
			}
			b = b[skipN:]
		}
	}
	if !statusSeen {
		return Response{}, fmt.Errorf("wire: Response missing status")
	}
	if !kindSeen && out.Status.OK() {
		return Response{}, fmt.Errorf("wire: OK Response with no payload oneof set")
	}
	return out, nil
}
