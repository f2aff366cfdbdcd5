//go:build windows

package commands

import (
	"context"
	"os"
)

// processAlive reports whether FindProcess can open pid.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

// signalStop kills the process. Windows has no SIGTERM, so the listener
// does not drain.
func signalStop(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// waitForExit waits for pid to exit. It reports false when ctx ends first.
func waitForExit(ctx context.Context, pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		_, _ = p.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
