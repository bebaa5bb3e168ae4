// Package framing implements FramedChannel (§4.1): length-prefixed framing
// over the bidirectional byte stream to one provider child process.
package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxFrameSize is kMaxFrameSize from §3: a frame's length prefix is never
// allowed to exceed 1 MiB.
const MaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge is returned by WriteFrame/ReadFrame when a payload's
	// length exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("framing: frame too large")
	// ErrTimeout is returned when an operation does not complete within
	// its deadline.
	ErrTimeout = errors.New("framing: timeout")
	// ErrClosed is returned by ReadFrame and WaitForData when the read side
	// hits a clean EOF before any byte of a frame.
	ErrClosed = errors.New("framing: channel closed")
)

type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Channel wraps the write-end of a child's stdin and the read-end of its
// stdout into one framed, bidirectional wire. It does not buffer beyond a
// single frame in flight.
type Channel struct {
	w      io.WriteCloser
	rawR   io.Reader
	r      *bufio.Reader
	header [4]byte
}

// New wraps w (child stdin, write end) and r (child stdout, read end) as a
// framed channel.
func New(w io.WriteCloser, r io.Reader) *Channel {
	return &Channel{
		w:    w,
		rawR: r,
		r:    bufio.NewReaderSize(r, 64*1024),
	}
}

// WriteFrame writes the u32-LE length prefix followed by payload, retrying
// partial writes, within timeout. Payloads over MaxFrameSize are rejected
// without touching the wire.
func (c *Channel) WriteFrame(payload []byte, timeout time.Duration) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}

	binary.LittleEndian.PutUint32(c.header[:], uint32(len(payload)))
	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, c.header[:]...)
	frame = append(frame, payload...)

	return c.writeAll(frame, timeout)
}

func (c *Channel) writeAll(frame []byte, timeout time.Duration) error {
	if dw, ok := c.w.(deadlineWriter); ok {
		deadline := time.Now().Add(timeout)
		if err := dw.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("framing: set write deadline: %w", err)
		}
		defer dw.SetWriteDeadline(time.Time{})
		n, err := writeFull(c.w, frame)
		if err != nil {
			if isTimeoutErr(err) {
				return ErrTimeout
			}
			return fmt.Errorf("framing: write: %w (wrote %d/%d bytes)", err, n, len(frame))
		}
		return nil
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := writeFull(c.w, frame)
		done <- result{n, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("framing: write: %w (wrote %d/%d bytes)", res.err, res.n, len(frame))
		}
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}

func writeFull(w io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadFrame reads exactly 4 bytes of length prefix then exactly that many
// payload bytes, honoring one total deadline across both reads. An empty
// read at the very start of a frame (EOF before any bytes) surfaces
// ErrClosed so callers can distinguish clean child exit from a protocol
// error mid-frame.
func (c *Channel) ReadFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	if err := c.readFull(c.header[:], deadline); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(c.header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d", ErrFrameTooLarge, length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if err := c.readFull(payload, deadline); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("framing: EOF mid-frame after length prefix: %w", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
	return payload, nil
}

func (c *Channel) readFull(buf []byte, deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrTimeout
	}

	if dr, ok := c.rawR.(deadlineReader); ok {
		if err := dr.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("framing: set read deadline: %w", err)
		}
		defer dr.SetReadDeadline(time.Time{})
		_, err := io.ReadFull(c.r, buf)
		if err != nil {
			if isTimeoutErr(err) {
				return ErrTimeout
			}
			return err
		}
		return nil
	}

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := io.ReadFull(c.r, buf)
		done <- result{err}
	}()
	select {
	case res := <-done:
		return res.err
	case <-time.After(remaining):
		return ErrTimeout
	}
}

// WaitForData blocks up to timeout for at least one byte to become
// readable, without consuming it.
func (c *Channel) WaitForData(timeout time.Duration) (bool, error) {
	if dr, ok := c.rawR.(deadlineReader); ok {
		deadline := time.Now().Add(timeout)
		if err := dr.SetReadDeadline(deadline); err != nil {
			return false, fmt.Errorf("framing: set read deadline: %w", err)
		}
		defer dr.SetReadDeadline(time.Time{})
		_, err := c.r.Peek(1)
		if err != nil {
			if isTimeoutErr(err) {
				return false, nil
			}
			if errors.Is(err, io.EOF) {
				return false, ErrClosed
			}
			return false, err
		}
		return true, nil
	}

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := c.r.Peek(1)
		done <- result{err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return false, ErrClosed
			}
			return false, res.err
		}
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

// CloseStdin half-closes the write side, signalling EOF to the child.
func (c *Channel) CloseStdin() error {
	return c.w.Close()
}

func isTimeoutErr(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
