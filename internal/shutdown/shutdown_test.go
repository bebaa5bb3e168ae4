package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsEveryRegisteredFunction(t *testing.T) {
	r := New(time.Second, nil)

	var mu sync.Mutex
	called := make(map[string]bool)
	for _, name := range []string{"a", "b", "c"} {
		n := name
		r.Register(n, func() error {
			mu.Lock()
			called[n] = true
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, called)
}

func TestShutdownReturnsFirstError(t *testing.T) {
	r := New(time.Second, nil)
	r.Register("ok", func() error { return nil })
	r.Register("broken", func() error { return errors.New("teardown failed") })

	err := r.Shutdown(context.Background())
	assert.Error(t, err)
}

func TestShutdownTimesOutOnSlowComponent(t *testing.T) {
	r := New(20*time.Millisecond, nil)
	r.Register("slow", func() error {
		time.Sleep(time.Second)
		return nil
	})

	err := r.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
