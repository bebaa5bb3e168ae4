// Package shutdown implements an ordered, timeout-bounded teardown
// registry: components register a shutdown function as they come up,
// and Shutdown runs them LIFO so the most recently started component is
// torn down first.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anolis-robotics/anolis-core/internal/obslog"
)

// Registry collects shutdown functions and runs them in reverse
// registration order within one overall deadline.
type Registry struct {
	mu      sync.Mutex
	fns     []namedFn
	timeout time.Duration
	logger  *obslog.Logger
}

type namedFn struct {
	name string
	fn   func() error
}

// New creates a Registry bounding the whole teardown to timeout.
func New(timeout time.Duration, logger *obslog.Logger) *Registry {
	if logger == nil {
		logger = obslog.Default("shutdown")
	}
	return &Registry{timeout: timeout, logger: logger}
}

// Register adds fn, identified by name in logs, to the teardown list.
func (r *Registry) Register(name string, fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns = append(r.fns, namedFn{name: name, fn: fn})
}

// Shutdown runs every registered function one at a time,
// most-recently-registered first, and returns once they all finish or the
// configured timeout elapses first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	fns := append([]namedFn(nil), r.fns...)
	r.mu.Unlock()

	r.logger.Info("starting ordered shutdown", obslog.Int("components", len(fns)))

	shutdownCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	errCh := make(chan error, len(fns))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(fns) - 1; i >= 0; i-- {
			nf := fns[i]
			if err := nf.fn(); err != nil {
				r.logger.Error("component shutdown failed", obslog.String("component", nf.name), obslog.Err(err))
				errCh <- fmt.Errorf("%s: %w", nf.name, err)
			}
		}
	}()

	select {
	case <-done:
		close(errCh)
		var firstErr error
		for err := range errCh {
			if firstErr == nil {
				firstErr = err
			}
		}
		r.logger.Info("ordered shutdown complete")
		return firstErr
	case <-shutdownCtx.Done():
		r.logger.Warn("ordered shutdown timed out", obslog.Duration("timeout", r.timeout))
		return fmt.Errorf("shutdown: timed out after %s", r.timeout)
	}
}
