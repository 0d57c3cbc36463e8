package workspace

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// IsRunning checks if a process with the given PID is still alive.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// StopProcess asks the process to terminate, waits up to timeout for it to
// exit, then kills it.
func StopProcess(pid int, timeout time.Duration) error {
	if !IsRunning(pid) {
		return nil
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	if err := p.Terminate(); err != nil {
		return fmt.Errorf("terminate process: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	// Force kill.
	if IsRunning(pid) {
		if err := p.Kill(); err != nil {
			return fmt.Errorf("kill process: %w", err)
		}
	}
	return nil
}
