//go:build windows

package racelock

import (
	"os"
	"syscall"
)

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Windows, FindProcess always succeeds; test with Signal(0) equivalent.
	return proc.Signal(syscall.Signal(0)) == nil
}

// interrupt kills the process; Windows has no SIGTERM for other processes.
func interrupt(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(os.Kill)
}
