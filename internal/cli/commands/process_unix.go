//go:build !windows

package commands

import (
	"context"
	"os"
	"syscall"
	"time"
)

// processAlive reports whether pid exists and accepts our signals.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// signalStop sends SIGTERM, which makes the listener drain and exit.
func signalStop(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}

// waitForExit polls pid until it is gone. It reports false when ctx ends
// first.
func waitForExit(ctx context.Context, pid int) bool {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
}
