//go:build !windows

package portlease

import "syscall"

// pidAlive sends signal 0 to pid, which performs permission/existence
// checks without actually delivering a signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}
