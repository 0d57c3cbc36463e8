package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jestevery/code-bridge/host/internal/workspace"
)

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop [workspace]",
		Short: "Stop the host running for the workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStop,
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "how long to wait before killing the host")
	return cmd
}

func runStop(cmd *cobra.Command, args []string) error {
	ws, err := workspaceArg(args)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	out := cmd.OutOrStdout()

	pid := 0
	if lock, err := workspace.ReadLock(ws); err == nil && lock != nil {
		pid = lock.PID
	} else if meta, err := workspace.ReadMetadata(ws); err == nil && meta != nil {
		pid = meta.PID
	}

	if pid == 0 || !workspace.IsRunning(pid) {
		removed, err := workspace.RemoveStale(ws)
		if err != nil {
			return err
		}
		if removed {
			_, _ = fmt.Fprintf(out, "Host is not running (stale records for PID %d removed)\n", pid)
		} else {
			_, _ = fmt.Fprintln(out, "Host is not running")
		}
		return nil
	}

	_, _ = fmt.Fprintf(out, "Stopping host (PID %d)...\n", pid)
	if err := workspace.StopProcess(pid, timeout); err != nil {
		return err
	}

	// A host killed before it could clean up leaves its records behind.
	if _, err := workspace.RemoveStale(ws); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "Host stopped")
	return nil
}
