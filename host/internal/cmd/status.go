package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jestevery/code-bridge/host/internal/router"
	"github.com/jestevery/code-bridge/host/internal/workspace"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [workspace]",
		Short: "Show whether a host is running for the workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	cmd.Flags().Bool("json", false, "print live stats as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	ws, err := workspaceArg(args)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	meta, err := workspace.Lookup(ws)
	if err == nil {
		stats, statsErr := fetchStats(cmd.Context(), meta)
		if asJSON {
			if statsErr != nil {
				return statsErr
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		_, _ = fmt.Fprintf(out, "Status:    running\n")
		_, _ = fmt.Fprintf(out, "PID:       %d\n", meta.PID)
		_, _ = fmt.Fprintf(out, "URL:       %s\n", meta.URL)
		_, _ = fmt.Fprintf(out, "Started:   %s (%s ago)\n", meta.StartedAt.Local().Format(time.RFC3339),
			time.Since(meta.StartedAt).Truncate(time.Second))
		_, _ = fmt.Fprintf(out, "Metadata:  %s\n", workspace.MetadataPath(ws))
		if statsErr != nil {
			_, _ = fmt.Fprintf(out, "Stats:     unavailable (%v)\n", statsErr)
			return nil
		}
		_, _ = fmt.Fprintf(out, "Bridges:   %d\n", stats.Bridges)
		_, _ = fmt.Fprintf(out, "Consumers: %d\n", stats.Consumers)
		_, _ = fmt.Fprintf(out, "Routed:    %d frames (%d rejected, %d control relayed)\n",
			stats.Routed, stats.Rejected, stats.Relayed)
		if stats.Overload.Shedding {
			_, _ = fmt.Fprintf(out, "Overload:  shedding (%d/%d in window)\n", stats.Overload.Count, stats.Overload.Limit)
		}
		return nil
	}
	if !errors.Is(err, workspace.ErrNotRunning) {
		return err
	}

	lock, _ := workspace.ReadLock(ws)
	stale, _ := workspace.ReadMetadata(ws)
	switch {
	case lock != nil && workspace.IsRunning(lock.PID):
		_, _ = fmt.Fprintf(out, "Status:  starting (PID %d holds the lock, no metadata yet)\n", lock.PID)
	case lock != nil || stale != nil:
		_, _ = fmt.Fprintf(out, "Status:  stopped (stale records in %s; run 'code-bridge-host stop' to clean up)\n", workspace.Dir(ws))
	default:
		_, _ = fmt.Fprintln(out, "Status:  stopped")
	}
	if asJSON {
		return workspace.ErrNotRunning
	}
	return nil
}

// fetchStats queries the live host's introspection API.
func fetchStats(ctx context.Context, meta *workspace.Metadata) (*router.Stats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL(meta.URL)+"/api/stats", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+meta.Secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query host: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("query host: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var stats router.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

// httpURL maps the published ws:// address to its http:// equivalent.
func httpURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	}
	return wsURL
}
