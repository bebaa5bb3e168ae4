// Package rpc implements RpcClient (§4.3): synchronous, blocking,
// request-id-correlated protobuf RPC over one FramedChannel.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anolis-robotics/anolis-core/internal/devices"
	"github.com/anolis-robotics/anolis-core/internal/framing"
	"github.com/anolis-robotics/anolis-core/internal/kernelerr"
	"github.com/anolis-robotics/anolis-core/internal/obslog"
	"github.com/anolis-robotics/anolis-core/internal/wire"
)

// errDeadlineExceeded is the local sentinel that distinguishes a timed-out
// wait from a transport error in log/error text. It is unexported and is
// not mapped to kernelerr.DeadlineExceeded; callers see only the wrapped
// error.
var errDeadlineExceeded = errors.New("deadline exceeded waiting for response")

// LivenessChecker reports whether the child process backing a Channel is
// still alive. internal/childproc.Process satisfies this.
type LivenessChecker interface {
	IsRunning() bool
}

// Timeouts holds the per-request-kind deadlines §4.3 requires.
type Timeouts struct {
	Hello     time.Duration
	Ready     time.Duration
	Operation time.Duration
}

// pollInterval is the small increment §4.3 step 5 polls the channel at
// while waiting for a response, checking child liveness between polls.
const pollInterval = 50 * time.Millisecond

// Client is a single provider's RPC session. Only one request may be
// in-flight on the wire at a time (mu enforces this); once the session is
// marked unhealthy, every subsequent call fails fast without touching the
// wire. The only way back to healthy is a fresh Start performed by the
// Supervisor's restart orchestration.
type Client struct {
	mu      sync.Mutex
	channel *framing.Channel
	proc    LivenessChecker
	timeouts Timeouts
	logger  *obslog.Logger

	nextRequestID atomic.Uint64
	healthy       atomic.Bool

	healthMu         sync.Mutex
	lastError        error
	lastStatusCode   kernelerr.Code
	supportsWaitReady bool
}

// New constructs a Client atop an already-spawned channel. The session
// starts unhealthy; call Start to perform the handshake.
func New(channel *framing.Channel, proc LivenessChecker, timeouts Timeouts, logger *obslog.Logger) *Client {
	if logger == nil {
		logger = obslog.Default("rpc")
	}
	c := &Client{
		channel:  channel,
		proc:     proc,
		timeouts: timeouts,
		logger:   logger,
	}
	c.healthy.Store(false)
	return c
}

// Healthy reports whether the session is still usable.
func (c *Client) Healthy() bool { return c.healthy.Load() }

// LastError returns the error that last marked the session unhealthy, if
// any.
func (c *Client) LastError() error {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return c.lastError
}

// LastStatusCode returns the status code of the most recently completed
// call.
func (c *Client) LastStatusCode() kernelerr.Code {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return c.lastStatusCode
}

func (c *Client) markUnhealthy(err error) error {
	c.healthMu.Lock()
	c.lastError = err
	c.healthMu.Unlock()
	c.healthy.Store(false)
	return err
}

func (c *Client) setLastStatus(code kernelerr.Code) {
	c.healthMu.Lock()
	c.lastStatusCode = code
	c.healthMu.Unlock()
}

// Start spawns the handshake: Hello, then (if the provider's metadata
// advertises supports_wait_ready) WaitReady. On success the session is
// healthy and capabilities may be discovered.
func (c *Client) Start() error {
	helloResp, err := c.do(wire.Request{Kind: wire.KindHello}, c.timeouts.Hello)
	if err != nil {
		return fmt.Errorf("rpc: hello: %w", err)
	}
	c.supportsWaitReady = helloResp.HelloSupportsWaitReady
	if !c.supportsWaitReady {
		// §9 Open Question: a provider not advertising the capability is
		// simply never asked for it — a silent, logged downgrade, not a
		// protocol violation.
		c.logger.Warn("provider does not advertise supports_wait_ready; skipping WaitReady")
		c.healthy.Store(true)
		return nil
	}

	if _, err := c.do(wire.Request{Kind: wire.KindWaitReady}, c.timeouts.Ready); err != nil {
		return fmt.Errorf("rpc: wait_ready: %w", err)
	}
	c.healthy.Store(true)
	return nil
}

// ListDevices implements devices.DiscoveryClient.
func (c *Client) ListDevices(_ context.Context) ([]string, error) {
	resp, err := c.do(wire.Request{Kind: wire.KindListDevices}, c.timeouts.Operation)
	if err != nil {
		return nil, err
	}
	return resp.ListDevicesIDs, nil
}

// DescribeDevice implements devices.DiscoveryClient.
func (c *Client) DescribeDevice(_ context.Context, deviceID string) (devices.Device, error) {
	resp, err := c.do(wire.Request{Kind: wire.KindDescribeDevice, DescribeDeviceID: deviceID}, c.timeouts.Operation)
	if err != nil {
		return devices.Device{}, err
	}
	return resp.DescribeDeviceResult, nil
}

// ReadSignals reads the named signals of one device. Per the resolved Open
// Question in SPEC_FULL.md, an unknown signal id fails the whole request.
func (c *Client) ReadSignals(deviceID string, signalIDs []string) ([]wire.SignalValueEntry, error) {
	resp, err := c.do(wire.Request{
		Kind:              wire.KindReadSignals,
		ReadSignalsDevice: deviceID,
		ReadSignalsIDs:    signalIDs,
	}, c.timeouts.Operation)
	if err != nil {
		return nil, err
	}
	return resp.ReadSignalsValues, nil
}

// Call issues a control call against one device function.
func (c *Client) Call(deviceID string, functionID uint32, functionName string, args []wire.NamedValue) (wire.Status, error) {
	resp, err := c.doAllowError(wire.Request{
		Kind:             wire.KindCall,
		CallDevice:       deviceID,
		CallFunctionID:   functionID,
		CallFunctionName: functionName,
		CallArgs:         args,
	}, c.timeouts.Operation)
	if err != nil {
		return wire.Status{}, err
	}
	return resp.Status, nil
}

// do performs req and requires the response status to be OK, per §4.3
// step 6 ("fails the session if ... status is not OK") — used for every
// request kind except Call, where a non-OK status is provider-reported
// business logic (§7) rather than a session-fatal protocol violation.
func (c *Client) do(req wire.Request, timeout time.Duration) (wire.Response, error) {
	resp, err := c.doAllowError(req, timeout)
	if err != nil {
		return wire.Response{}, err
	}
	if !resp.Status.OK() {
		return wire.Response{}, c.markUnhealthy(fmt.Errorf("rpc: %s: provider status %s: %s", req.Kind, resp.Status.Code, resp.Status.Message))
	}
	return resp, nil
}

// doAllowError performs req and returns whatever status the provider
// reported, without treating a non-OK status as session-fatal.
func (c *Client) doAllowError(req wire.Request, timeout time.Duration) (wire.Response, error) {
	if !c.healthy.Load() && req.Kind != wire.KindHello && req.Kind != wire.KindWaitReady {
		return wire.Response{}, fmt.Errorf("rpc: session unhealthy: %w", c.LastError())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reqID := c.nextRequestID.Add(1)
	req.RequestID = reqID

	frame := wire.MarshalRequest(req)
	if err := c.channel.WriteFrame(frame, timeout); err != nil {
		return wire.Response{}, c.markUnhealthy(fmt.Errorf("rpc: write %s request: %w", req.Kind, err))
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Response{}, c.markUnhealthy(fmt.Errorf("rpc: %s: %w", req.Kind, errDeadlineExceeded))
		}
		wait := pollInterval
		if wait > remaining {
			wait = remaining
		}
		ready, err := c.channel.WaitForData(wait)
		if err != nil {
			return wire.Response{}, c.markUnhealthy(fmt.Errorf("rpc: %s: channel closed while waiting for response: %w", req.Kind, err))
		}
		if ready {
			break
		}
		if c.proc != nil && !c.proc.IsRunning() {
			return wire.Response{}, c.markUnhealthy(fmt.Errorf("rpc: %s: provider process exited while awaiting response", req.Kind))
		}
	}

	payload, err := c.channel.ReadFrame(time.Until(deadline))
	if err != nil {
		return wire.Response{}, c.markUnhealthy(fmt.Errorf("rpc: %s: read response: %w", req.Kind, err))
	}

	resp, err := wire.UnmarshalResponse(payload)
	if err != nil {
		return wire.Response{}, c.markUnhealthy(fmt.Errorf("rpc: %s: parse response: %w", req.Kind, err))
	}
	if resp.RequestID != reqID {
		return wire.Response{}, c.markUnhealthy(fmt.Errorf("rpc: %s: response request_id %d != expected %d (session-fatal protocol violation)", req.Kind, resp.RequestID, reqID))
	}
	if resp.Kind != req.Kind && resp.Status.OK() {
		return wire.Response{}, c.markUnhealthy(fmt.Errorf("rpc: %s: response payload kind %s does not match request", req.Kind, resp.Kind))
	}

	c.setLastStatus(resp.Status.Code)
	return resp, nil
}
