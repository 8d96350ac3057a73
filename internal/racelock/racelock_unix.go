//go:build !windows

package racelock

import "syscall"

func alive(pid int) bool {
	// Signal 0 tests if the process exists without sending a signal.
	return syscall.Kill(pid, 0) == nil
}

func interrupt(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
