// Package racelock keeps one foreground race per state directory. The lock
// file holds the racing process's PID so other invocations can find it and
// ask it to stop.
package racelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the lock file name inside the state directory.
const FileName = "race.pid"

// ErrHeld is returned by Acquire when a live process holds the lock.
var ErrHeld = errors.New("another race is running")

// ErrNotRunning is returned by Stop when no live process holds the lock.
var ErrNotRunning = errors.New("no race is running")

// Lock is a PID lock file.
type Lock struct {
	Path string
}

// New returns the lock for stateDir.
func New(stateDir string) *Lock {
	return &Lock{Path: filepath.Join(stateDir, FileName)}
}

// Acquire records the current process as the race owner. A lock left
// behind by a dead process is taken over.
func (l *Lock) Acquire() error {
	if pid, running := l.Holder(); running && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrHeld, pid)
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	return l.writePID(os.Getpid())
}

// Release removes the lock if this process owns it.
func (l *Lock) Release() error {
	pid, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(l.Path)
}

// Holder returns the PID in the lock file and whether that process is
// alive.
func (l *Lock) Holder() (int, bool) {
	pid, err := l.read()
	if err != nil {
		return 0, false
	}
	return pid, alive(pid)
}

// Stop asks the holding process to drain its race.
func (l *Lock) Stop() (int, error) {
	pid, running := l.Holder()
	if !running {
		return pid, ErrNotRunning
	}
	if err := interrupt(pid); err != nil {
		return pid, fmt.Errorf("signal race %d: %w", pid, err)
	}
	return pid, nil
}

func (l *Lock) writePID(pid int) error {
	return os.WriteFile(l.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (l *Lock) read() (int, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid race lock content: %w", err)
	}
	return pid, nil
}
