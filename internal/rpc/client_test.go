package rpc

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anolis-robotics/anolis-core/internal/framing"
	"github.com/anolis-robotics/anolis-core/internal/wire"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type alwaysRunning struct{}

func (alwaysRunning) IsRunning() bool { return true }

// fakeServer wires a second framing.Channel across the same pipe pair, in
// the opposite direction, so a test goroutine can play the provider side
// of the protocol without a real child process.
type fakeServer struct {
	channel *framing.Channel
}

func newClientServerPair() (*framing.Channel, *fakeServer) {
	clientReadsFrom, serverWritesTo := io.Pipe()
	serverReadsFrom, clientWritesTo := io.Pipe()

	clientChannel := framing.New(nopWriteCloser{clientWritesTo}, clientReadsFrom)
	serverChannel := framing.New(nopWriteCloser{serverWritesTo}, serverReadsFrom)
	return clientChannel, &fakeServer{channel: serverChannel}
}

func (s *fakeServer) respondOnce(t *testing.T, build func(req wire.Request) wire.Response) {
	t.Helper()
	frame, err := s.channel.ReadFrame(time.Second)
	require.NoError(t, err)
	req, err := wire.UnmarshalRequest(frame)
	require.NoError(t, err)
	resp := build(req)
	require.NoError(t, s.channel.WriteFrame(wire.MarshalResponse(resp), time.Second))
}

func testTimeouts() Timeouts {
	return Timeouts{Hello: time.Second, Ready: time.Second, Operation: time.Second}
}

func TestStartHandshakeWithWaitReady(t *testing.T) {
	clientChannel, server := newClientServerPair()
	client := New(clientChannel, alwaysRunning{}, testTimeouts(), nil)

	done := make(chan error, 1)
	go func() { done <- client.Start() }()

	server.respondOnce(t, func(req wire.Request) wire.Response {
		assert.Equal(t, wire.KindHello, req.Kind)
		return wire.Response{RequestID: req.RequestID, Status: wire.Status{}, Kind: wire.KindHello, HelloSupportsWaitReady: true}
	})
	server.respondOnce(t, func(req wire.Request) wire.Response {
		assert.Equal(t, wire.KindWaitReady, req.Kind)
		return wire.Response{RequestID: req.RequestID, Status: wire.Status{}, Kind: wire.KindWaitReady}
	})

	require.NoError(t, <-done)
	assert.True(t, client.Healthy())
}

func TestStartSkipsWaitReadyWhenUnsupported(t *testing.T) {
	clientChannel, server := newClientServerPair()
	client := New(clientChannel, alwaysRunning{}, testTimeouts(), nil)

	done := make(chan error, 1)
	go func() { done <- client.Start() }()

	server.respondOnce(t, func(req wire.Request) wire.Response {
		return wire.Response{RequestID: req.RequestID, Status: wire.Status{}, Kind: wire.KindHello, HelloSupportsWaitReady: false}
	})

	require.NoError(t, <-done)
	assert.True(t, client.Healthy())
}

func TestCallRoundTrip(t *testing.T) {
	clientChannel, server := newClientServerPair()
	client := New(clientChannel, alwaysRunning{}, testTimeouts(), nil)
	client.healthy.Store(true) // bypass Start for this unit test

	done := make(chan struct {
		status wire.Status
		err    error
	}, 1)
	go func() {
		status, err := client.Call("tempctl0", 2, "set_setpoint", nil)
		done <- struct {
			status wire.Status
			err    error
		}{status, err}
	}()

	server.respondOnce(t, func(req wire.Request) wire.Response {
		assert.Equal(t, wire.KindCall, req.Kind)
		assert.Equal(t, "tempctl0", req.CallDevice)
		return wire.Response{RequestID: req.RequestID, Status: wire.Status{}, Kind: wire.KindCall}
	})

	result := <-done
	require.NoError(t, result.err)
	assert.True(t, result.status.OK())
}

func TestDoAllowErrorRejectsMismatchedRequestID(t *testing.T) {
	clientChannel, server := newClientServerPair()
	client := New(clientChannel, alwaysRunning{}, testTimeouts(), nil)
	client.healthy.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call("tempctl0", 2, "set_setpoint", nil)
		done <- err
	}()

	server.respondOnce(t, func(req wire.Request) wire.Response {
		return wire.Response{RequestID: req.RequestID + 1, Status: wire.Status{}, Kind: wire.KindCall}
	})

	err := <-done
	assert.Error(t, err)
	assert.False(t, client.Healthy(), "a mismatched request id is session-fatal")
}
