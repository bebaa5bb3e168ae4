// Package childproc implements ChildProcess (§4.2): spawning, liveness
// checking and EOF-then-kill shutdown of one provider executable.
package childproc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anolis-robotics/anolis-core/internal/obslog"
	"github.com/anolis-robotics/anolis-core/internal/procio"
)

// Process owns the OS handles for one spawned provider executable: its
// stdin write end and stdout read end (retained), with its stdout/stderr
// otherwise wired the way §4.2 specifies (stderr inherits the parent's).
type Process struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	logger  *obslog.Logger
	path    string
	started bool

	// exited and waitDone are set by the single reaping goroutine started
	// in Spawn, which owns the one legal call to cmd.Wait(). IsRunning
	// reads exited instead of signaling the process: on POSIX an unreaped
	// zombie still answers signal-0 as alive, so liveness must come from
	// Wait() actually reaping it, not from kill(pid, 0).
	exited   atomic.Bool
	waitDone chan struct{}
	waitErr  error
}

// New creates an unstarted Process for the executable at path with args.
func New(path string, args []string, logger *obslog.Logger) *Process {
	if logger == nil {
		logger = obslog.Default("childproc")
	}
	return &Process{
		cmd:    exec.Command(path, args...),
		path:   path,
		logger: logger,
	}
}

// Stdin returns the write end of the child's stdin, valid after Spawn.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the read end of the child's stdout, valid after Spawn.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Pid returns the child's process id once spawned, or 0 before Spawn.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Spawn launches the executable with its stdin/stdout redirected to
// anonymous pipes; stderr inherits the parent's stderr. Fails if the
// executable is absent, pipe creation fails, or process creation fails.
func (p *Process) Spawn() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("childproc: %s already spawned", p.path)
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("childproc: create stdin pipe for %s: %w", p.path, err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("childproc: create stdout pipe for %s: %w", p.path, err)
	}
	p.cmd.Stderr = os.Stderr

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("childproc: start %s: %w", p.path, err)
	}

	p.stdin = stdin
	p.stdout = stdout
	p.started = true
	p.waitDone = make(chan struct{})
	p.logger.Info("provider process spawned", obslog.String("path", p.path), obslog.Int("pid", p.cmd.Process.Pid))
	p.verifyPipesCloseOnExec()
	p.startReaper()
	return nil
}

// startReaper launches the single goroutine that calls cmd.Wait(), the
// only way to learn, and reap, a POSIX process's real exit. IsRunning and
// Shutdown both observe its result instead of calling Wait themselves.
func (p *Process) startReaper() {
	cmd := p.cmd
	waitDone := p.waitDone
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		p.exited.Store(true)
		close(waitDone)
	}()
}

// verifyPipesCloseOnExec logs a warning if a pipe end that is an *os.File
// is missing FD_CLOEXEC, which would let a misbehaving provider's own
// forked grandchildren inherit the kernel's end of the pipe. The stdout
// end from StdoutPipe is an *os.File and is checked; the stdin writer from
// StdinPipe is a wrapper type, so the stdin check does not run.
func (p *Process) verifyPipesCloseOnExec() {
	if f, ok := p.stdin.(*os.File); ok {
		if coe, err := procio.IsCloseOnExec(f); err == nil && !coe {
			p.logger.Warn("provider stdin pipe is not close-on-exec", obslog.String("path", p.path))
		}
	}
	if f, ok := p.stdout.(*os.File); ok {
		if coe, err := procio.IsCloseOnExec(f); err == nil && !coe {
			p.logger.Warn("provider stdout pipe is not close-on-exec", obslog.String("path", p.path))
		}
	}
}

// IsRunning is a non-blocking liveness check backed by the reaper
// goroutine's exited flag, not a signal-0 probe: on POSIX, signal 0
// succeeds for an unreaped zombie, so only an actual Wait() completion
// can tell a live process apart from a crashed-but-unreaped one.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	proc := p.cmd.Process
	p.mu.Unlock()
	if proc == nil {
		return false
	}
	return !p.exited.Load()
}

// Shutdown closes stdin, waits up to timeout for the child to exit in
// response to EOF, and forcibly kills and reaps it if it is still alive.
// It never calls cmd.Wait() itself; it observes the reaper goroutine's
// waitDone channel instead, since Wait() may only be called once.
func (p *Process) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	stdin := p.stdin
	proc := p.cmd.Process
	waitDone := p.waitDone
	p.mu.Unlock()

	if proc == nil {
		return nil
	}

	if stdin != nil {
		if err := stdin.Close(); err != nil && !isAlreadyClosed(err) {
			p.logger.Warn("error closing provider stdin", obslog.Err(err))
		}
	}

	select {
	case <-waitDone:
		p.mu.Lock()
		err := p.waitErr
		p.mu.Unlock()
		if err != nil {
			p.logger.Debug("provider exited", obslog.Err(err))
		}
		return nil
	case <-time.After(timeout):
	}

	p.logger.Warn("provider did not exit after stdin EOF, killing", obslog.Int("pid", proc.Pid))
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("childproc: kill %s (pid %d): %w", p.path, proc.Pid, err)
	}
	<-waitDone // reap
	return nil
}

func isAlreadyClosed(err error) bool {
	return err == os.ErrClosed
}
