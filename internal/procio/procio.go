// Package procio holds the thin POSIX-specific pipe checks childproc
// relies on: confirming the file descriptors os/exec hands back are
// marked close-on-exec, so a provider's own forked children never
// inherit the kernel's end of its pipes.
package procio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// IsCloseOnExec reports whether f's underlying file descriptor carries
// FD_CLOEXEC. os/exec sets this on every pipe it creates; this is a
// belt-and-braces verification, not something childproc configures
// itself.
func IsCloseOnExec(f *os.File) (bool, error) {
	flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFD, 0)
	if err != nil {
		return false, fmt.Errorf("procio: fcntl F_GETFD: %w", err)
	}
	return flags&unix.FD_CLOEXEC != 0, nil
}
