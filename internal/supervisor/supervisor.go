// Package supervisor provides the single-instance guarantee and signal handling the main program
// needs: a PID file exclusively locked for the life of the process, and a channel that fires on
// TERM/INT/HUP so the caller can drive an orderly shutdown. Configuration is frozen once loaded
// (see internal/config), so unlike many daemons this proxy treats SIGHUP identically to
// SIGTERM/SIGINT rather than triggering a reload.
package supervisor

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/markdingo/dnsfallback/internal/osutil"
)

// ErrAlreadyRunning is returned by Lock when another process already holds the PID file lock.
var ErrAlreadyRunning = fmt.Errorf("supervisor: another instance is already running")

// Supervisor owns the PID file lock and the shutdown signal channel.
type Supervisor struct {
	pidFile string
	file    *os.File
	sigCh   chan os.Signal
}

// New builds a Supervisor for the given PID file path. Call Lock to take the PID file lock.
func New(pidFile string) *Supervisor {
	return &Supervisor{pidFile: pidFile}
}

// Lock opens (creating if necessary) the PID file and takes an exclusive, non-blocking flock on
// it. If another live process holds the lock, ErrAlreadyRunning is returned. On success the file
// is truncated and the current PID is written into it.
func (s *Supervisor) Lock() error {
	f, err := os.OpenFile(s.pidFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("supervisor: open pid file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("supervisor: flock: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("supervisor: truncate pid file: %w", err)
	}
	if _, err := f.WriteString(fmt.Sprintf("%d\n", os.Getpid())); err != nil {
		f.Close()
		return fmt.Errorf("supervisor: write pid file: %w", err)
	}

	s.file = f
	return nil
}

// Unlock releases the flock and removes the PID file. Safe to call even if Lock never succeeded.
func (s *Supervisor) Unlock() {
	if s.file == nil {
		return
	}
	unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
	s.file.Close()
	os.Remove(s.pidFile)
	s.file = nil
}

// Signals starts listening for TERM/INT/HUP and returns a channel that receives exactly one value
// when any of them arrives. USR1 is ignored here (osutil.IsSignalUSR1 exists for callers that want
// to wire it up separately, e.g. a future log-rotation hook).
func (s *Supervisor) Signals() <-chan os.Signal {
	s.sigCh = make(chan os.Signal, 1)
	raw := make(chan os.Signal, 4)
	osutil.SignalNotify(raw)

	go func() {
		for sig := range raw {
			if osutil.IsSignalUSR1(sig) {
				continue
			}
			if sig == syscall.SIGTERM || sig == syscall.SIGINT || sig == syscall.SIGHUP {
				s.sigCh <- sig
				return
			}
		}
	}()

	return s.sigCh
}
