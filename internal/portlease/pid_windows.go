//go:build windows

package portlease

import "syscall"

// pidAlive opens a query handle on pid and reports whether its exit code is
// still STILL_ACTIVE (259). os.Process.Signal is not used: on Windows it
// supports only os.Kill and fails for any other signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}
