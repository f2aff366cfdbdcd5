package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewStopCommand creates the stop subcommand.
func NewStopCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "stop",
		Short:   "Stop a running listener",
		Long:    `Signal the listener recorded in the state dir pid file to drain and exit.`,
		Example: `  fbmsg stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "How long to wait for the listener to exit")

	return cmd
}

func runStop(cmd *cobra.Command, timeout time.Duration) error {
	pid, err := readListenPID()
	if err != nil {
		return fmt.Errorf("listener not running (pid file missing)")
	}

	if !processAlive(pid) {
		_ = removeListenPID()
		return fmt.Errorf("listener process not running (stale pid file)")
	}

	if err := signalStop(pid); err != nil {
		return fmt.Errorf("failed to stop listener (pid %d): %w", pid, err)
	}
	cmd.Printf("Sent stop signal to listener (PID %d)\n", pid)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if !waitForExit(ctx, pid) {
		return fmt.Errorf("listener (pid %d) still running after %s", pid, timeout)
	}
	cmd.Println("Listener stopped")
	return nil
}
