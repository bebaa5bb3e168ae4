// Package router implements CallRouter (§4.6): mode-gated, validated
// dispatch of control calls onto a device's function, with a targeted
// state refresh once the call completes.
package router

import (
	"sync"
	"time"

	"github.com/anolis-robotics/anolis-core/internal/devices"
	"github.com/anolis-robotics/anolis-core/internal/events"
	"github.com/anolis-robotics/anolis-core/internal/kernelerr"
	"github.com/anolis-robotics/anolis-core/internal/metrics"
	"github.com/anolis-robotics/anolis-core/internal/mode"
	"github.com/anolis-robotics/anolis-core/internal/obslog"
	"github.com/anolis-robotics/anolis-core/internal/providers"
	"github.com/anolis-robotics/anolis-core/internal/statecache"
	"github.com/anolis-robotics/anolis-core/internal/wire"
)

// AutoPolicy governs whether an operator call is accepted while the
// runtime is in AUTO mode (§4.6).
type AutoPolicy int

const (
	// AutoPolicyBlock refuses every operator call while in AUTO mode;
	// only the automation collaborator may issue calls.
	AutoPolicyBlock AutoPolicy = iota
	// AutoPolicyOverride allows an operator call to preempt automation
	// while in AUTO mode.
	AutoPolicyOverride
)

// Origin distinguishes who is issuing a call, for the AUTO-mode gate.
type Origin int

const (
	OriginOperator Origin = iota
	OriginAutomation
)

// CallResult is the outcome of a routed call.
type CallResult struct {
	Status wire.Status
	// PostCallPollTriggered reports whether a successful call was
	// followed by the §4.6 step 7 targeted poll that actually completed
	// (it is false when the call itself failed, or when the targeted
	// poll's ReadSignals call errored).
	PostCallPollTriggered bool
}

// Router dispatches calls per the §4.9 mode transition matrix. One lock
// per provider (locks) serializes concurrent calls into the same
// provider process without blocking calls to unrelated providers.
type Router struct {
	devices   *devices.Registry
	providers *providers.Registry
	cache     *statecache.Cache
	mode      *mode.Manager
	emitter   *events.Emitter
	logger    *obslog.Logger
	policy    AutoPolicy

	// Metrics is optional; when set, every completed Call is counted by
	// resulting status code.
	Metrics *metrics.Metrics

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Router.
func New(deviceRegistry *devices.Registry, providerReg *providers.Registry, cache *statecache.Cache, modeManager *mode.Manager, emitter *events.Emitter, policy AutoPolicy, logger *obslog.Logger) *Router {
	if logger == nil {
		logger = obslog.Default("router")
	}
	return &Router{
		devices:   deviceRegistry,
		providers: providerReg,
		cache:     cache,
		mode:      modeManager,
		emitter:   emitter,
		logger:    logger,
		policy:    policy,
		locks:     make(map[string]*sync.Mutex),
	}
}

// providerLock returns providerID's serialization lock, creating it
// exactly once even under concurrent first access (race-free
// get-or-insert).
func (r *Router) providerLock(providerID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[providerID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[providerID] = l
	}
	return l
}

// checkModeGate enforces the §4.9 matrix: which Origin may issue a call
// under the current RuntimeMode.
func checkModeGate(current mode.RuntimeMode, origin Origin, policy AutoPolicy) *kernelerr.Error {
	switch current {
	case mode.Idle:
		return kernelerr.New(kernelerr.FailedPrecondition, "runtime is IDLE; no calls are routed")
	case mode.Fault:
		return kernelerr.New(kernelerr.FailedPrecondition, "runtime is in FAULT; calls are refused until cleared")
	case mode.Manual:
		if origin == OriginAutomation {
			return kernelerr.New(kernelerr.FailedPrecondition, "runtime is MANUAL; automation calls are refused")
		}
		return nil
	case mode.Auto:
		if origin == OriginOperator && policy == AutoPolicyBlock {
			return kernelerr.New(kernelerr.FailedPrecondition, "runtime is AUTO with BLOCK policy; operator calls are refused")
		}
		return nil
	default:
		return kernelerr.New(kernelerr.Internal, "unknown runtime mode %v", current)
	}
}

// ValidateCall checks args against spec without touching the wire: every
// ArgSpec.Required argument is present and every present argument's type
// and bounds match. Pure and side-effect free so it can be exercised
// directly in tests and by dry-run tooling.
func ValidateCall(spec devices.FunctionSpec, args []wire.NamedValue) *kernelerr.Error {
	byName := make(map[string]wire.NamedValue, len(args))
	for _, a := range args {
		byName[a.Name] = a
	}

	for _, argSpec := range spec.Args {
		got, present := byName[argSpec.Name]
		if !present {
			if argSpec.Required {
				return kernelerr.New(kernelerr.InvalidArgument, "missing required argument %q", argSpec.Name)
			}
			continue
		}
		if got.Value.Type != argSpec.ValueType {
			return kernelerr.New(kernelerr.InvalidArgument, "argument %q has type %s, want %s", argSpec.Name, got.Value.Type, argSpec.ValueType)
		}
		if argSpec.HasMin || argSpec.HasMax {
			n, ok := got.Value.AsFloat64()
			if ok {
				if argSpec.HasMin && n < argSpec.Min {
					return kernelerr.New(kernelerr.InvalidArgument, "argument %q value %v below minimum %v", argSpec.Name, n, argSpec.Min)
				}
				if argSpec.HasMax && n > argSpec.Max {
					return kernelerr.New(kernelerr.InvalidArgument, "argument %q value %v above maximum %v", argSpec.Name, n, argSpec.Max)
				}
			}
		}
		if len(argSpec.AllowedStrings) > 0 && got.Value.Type == devices.TypeString {
			allowed := false
			for _, s := range argSpec.AllowedStrings {
				if s == got.Value.Str {
					allowed = true
					break
				}
			}
			if !allowed {
				return kernelerr.New(kernelerr.InvalidArgument, "argument %q value %q is not one of the allowed strings", argSpec.Name, got.Value.Str)
			}
		}
	}
	for _, got := range args {
		found := false
		for _, argSpec := range spec.Args {
			if argSpec.Name == got.Name {
				found = true
				break
			}
		}
		if !found {
			return kernelerr.New(kernelerr.InvalidArgument, "unknown argument %q", got.Name)
		}
	}
	return nil
}

// Call routes one control call: mode gate, lookup, argument validation,
// provider-serialized dispatch, and an immediate targeted poll of the
// called device's signals (§4.6).
func (r *Router) Call(origin Origin, providerID, deviceID string, functionID uint32, functionName string, args []wire.NamedValue) (result CallResult, callErr *kernelerr.Error) {
	if r.Metrics != nil {
		defer func() {
			code := result.Status.Code
			if callErr != nil {
				code = callErr.Code
			}
			r.Metrics.CallResults.WithLabelValues(providerID, code.String()).Inc()
		}()
	}

	if gateErr := checkModeGate(r.mode.Current(), origin, r.policy); gateErr != nil {
		return CallResult{}, gateErr
	}

	// §4.6 step 2: provider lookup comes before device/function lookup and
	// argument validation, and distinguishes an unknown provider-id
	// (NOT_FOUND) from a known-but-unavailable one (UNAVAILABLE) — an
	// unavailable provider with a bad-argument call must still fail
	// UNAVAILABLE, not INVALID_ARGUMENT.
	handle, ok := r.providers.Get(providerID)
	if !ok {
		return CallResult{}, kernelerr.New(kernelerr.NotFound, "provider %q not found", providerID)
	}
	if !handle.Available() || handle.Client == nil {
		return CallResult{}, kernelerr.New(kernelerr.Unavailable, "provider %q is not available", providerID)
	}

	dev, ok := r.devices.GetDeviceCopy(providerID, deviceID)
	if !ok {
		return CallResult{}, kernelerr.New(kernelerr.NotFound, "device %q/%q not found", providerID, deviceID)
	}

	var fn devices.FunctionSpec
	if functionID != 0 {
		fn, ok = dev.FindFunctionByID(functionID)
	} else {
		fn, ok = dev.FindFunctionByName(functionName)
	}
	if !ok {
		return CallResult{}, kernelerr.New(kernelerr.NotFound, "function not found on device %q/%q", providerID, deviceID)
	}

	if argErr := ValidateCall(fn, args); argErr != nil {
		return CallResult{}, argErr
	}

	// Capture each argument's prior cached value before dispatch, so a
	// successful call's ParameterChange events carry a real old/new pair
	// (§4.10) rather than just a call-succeeded flag.
	oldValues := make(map[string]devices.Value, len(args))
	if r.cache != nil {
		for _, a := range args {
			if v, ok := r.cache.GetSignalValue(providerID, deviceID, a.Name); ok {
				oldValues[a.Name] = v.Value
			}
		}
	}

	lock := r.providerLock(providerID)
	lock.Lock()
	status, err := handle.Client.Call(deviceID, fn.FunctionID, fn.Name, args)
	lock.Unlock()
	if err != nil {
		return CallResult{}, kernelerr.New(kernelerr.Internal, "call transport error: %v", err)
	}

	succeeded := status.OK()
	if succeeded && r.emitter != nil {
		now := time.Now()
		for _, a := range args {
			r.emitter.Publish(events.Event{
				Type:       events.TypeParameterChange,
				ProviderID: providerID,
				DeviceID:   deviceID,
				ParameterChange: &events.ParameterChangePayload{
					Name:      a.Name,
					Old:       oldValues[a.Name],
					New:       a.Value,
					Timestamp: now,
				},
			})
		}
	}

	var postCallPollTriggered bool
	if succeeded && r.cache != nil {
		postCallPollTriggered = r.cache.PollDeviceNow(dev, handle.Client, dev.AutoPollSignals())
	}

	return CallResult{Status: status, PostCallPollTriggered: postCallPollTriggered}, nil
}
