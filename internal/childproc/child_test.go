package childproc

import (
	"bufio"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndShutdownCleanExit(t *testing.T) {
	p := New("/bin/cat", nil, nil)
	require.NoError(t, p.Spawn())
	assert.True(t, p.IsRunning())
	assert.Greater(t, p.Pid(), 0)

	require.NoError(t, p.Shutdown(time.Second))
	assert.False(t, p.IsRunning())
}

func TestSpawnTwiceFails(t *testing.T) {
	p := New("/bin/cat", nil, nil)
	require.NoError(t, p.Spawn())
	defer p.Shutdown(time.Second)

	err := p.Spawn()
	assert.Error(t, err)
}

func TestSpawnMissingExecutableFails(t *testing.T) {
	p := New("/no/such/executable-anolis-core-test", nil, nil)
	err := p.Spawn()
	assert.Error(t, err)
}

func TestStdinEchoesThroughStdout(t *testing.T) {
	p := New("/bin/cat", nil, nil)
	require.NoError(t, p.Spawn())
	defer p.Shutdown(time.Second)

	_, err := p.Stdin().Write([]byte("ping\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(p.Stdout())
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
}

func TestIsRunningReflectsActualExitNotZombie(t *testing.T) {
	// A process that exits immediately must eventually report not-running
	// once the reaper goroutine observes its exit, even though nothing
	// else ever calls Wait on it.
	p := New("/bin/sh", []string{"-c", "exit 1"}, nil)
	require.NoError(t, p.Spawn())

	require.Eventually(t, func() bool { return !p.IsRunning() }, time.Second, 5*time.Millisecond)
}

func TestShutdownKillsProcessThatIgnoresEOF(t *testing.T) {
	// sleep ignores stdin EOF entirely, forcing Shutdown down the
	// kill-after-timeout path.
	p := New("/bin/sleep", []string{"5"}, nil)
	require.NoError(t, p.Spawn())

	start := time.Now()
	require.NoError(t, p.Shutdown(50*time.Millisecond))
	assert.Less(t, time.Since(start), 4*time.Second, "Shutdown must kill, not wait out the sleep")
	assert.False(t, p.IsRunning())
}
