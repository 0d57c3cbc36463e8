package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jestevery/code-bridge/host/internal/workspace"
	"github.com/jestevery/code-bridge/pkg/client"
	"github.com/jestevery/code-bridge/pkg/protocol"
)

var (
	colorError = lipgloss.Color("#EF4444") // red
	colorWarn  = lipgloss.Color("#F59E0B") // amber
	colorInfo  = lipgloss.Color("#6366F1") // indigo
	colorMuted = lipgloss.Color("#6B7280") // gray-500
	colorText  = lipgloss.Color("#E5E7EB") // gray-200
)

func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail [workspace]",
		Short: "Subscribe to the workspace host and print routed telemetry",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTail,
	}
	cmd.Flags().String("levels", "info", "comma-separated subscription levels (errors, warn, info, trace)")
	cmd.Flags().String("capabilities", "", "comma-separated capabilities (pageview, screenshot, control)")
	cmd.Flags().String("filter", "off", "noise filter (off, minimal, aggressive)")
	cmd.Flags().Bool("wait", false, "wait for a host to start instead of failing")
	cmd.Flags().Bool("json", false, "print raw frames")
	return cmd
}

func runTail(cmd *cobra.Command, args []string) error {
	ws, err := workspaceArg(args)
	if err != nil {
		return err
	}
	levels, _ := cmd.Flags().GetString("levels")
	caps, _ := cmd.Flags().GetString("capabilities")
	filter, _ := cmd.Flags().GetString("filter")
	wait, _ := cmd.Flags().GetBool("wait")
	raw, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var meta *workspace.Metadata
	if wait {
		meta, err = workspace.WaitMetadata(ctx, ws)
	} else {
		meta, err = workspace.Lookup(ws)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	styled := !raw && isTerminal(out)

	logger := newLogger(loggingFromFlags(cmd), errOut)
	c := client.New(client.Options{
		URL:    meta.URL,
		Secret: meta.Secret,
		Role:   protocol.RoleConsumer,
		Subscribe: &protocol.Subscribe{
			Type:         protocol.TypeSubscribe,
			Levels:       splitList(levels),
			Capabilities: splitList(caps),
			LLMFilter:    filter,
		},
	}, func(msg client.Message) {
		switch msg.Type {
		case protocol.TypeSubscribeAck, protocol.TypeControlAck, protocol.TypeControlError:
			_, _ = fmt.Fprintln(errOut, string(msg.Raw))
			return
		}
		if raw {
			_, _ = fmt.Fprintln(out, string(msg.Raw))
			return
		}
		_, _ = fmt.Fprintln(out, formatEvent(msg, styled))
	}, logger)

	err = c.Run(ctx)
	if errors.Is(err, client.ErrAuthRejected) {
		return fmt.Errorf("host at %s rejected the workspace secret: %w", meta.URL, err)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// formatEvent renders a routed frame as one line.
func formatEvent(msg client.Message, styled bool) string {
	var ev protocol.Event
	if err := msg.Decode(&ev); err != nil {
		return string(msg.Raw)
	}

	level := string(ev.Level)
	if level == "" {
		level = msg.Type
	}
	body := ev.Message
	switch msg.Type {
	case protocol.TypeError:
		if frame, _, _ := strings.Cut(strings.TrimSpace(ev.Stack), "\n"); frame != "" {
			body += " | " + strings.TrimSpace(frame)
		}
		if n := len(ev.Breadcrumbs); n > 0 {
			last := ev.Breadcrumbs[n-1]
			body += fmt.Sprintf(" (%d breadcrumbs, last: %s %s)", n, last.Level, last.Message)
		}
	case protocol.TypeScreenshot:
		body = fmt.Sprintf("%s, %d bytes", ev.Mime, len(ev.Data))
	case protocol.TypeControlResult:
		var res protocol.ControlResult
		if err := msg.Decode(&res); err == nil {
			body = fmt.Sprintf("id=%s ok=%t", res.ID, res.OK)
			if res.Error != nil {
				body += " " + res.Error.Message
			}
		}
	}

	stamp := time.Now().Format("15:04:05")
	tag := fmt.Sprintf("%-10s %-5s", msg.Type, level)
	if !styled {
		return stamp + " " + tag + " " + body
	}

	color := colorText
	switch ev.Level.Tier() {
	case protocol.SubErrors:
		color = colorError
	case protocol.SubWarn:
		color = colorWarn
	case protocol.SubTrace:
		color = colorMuted
	default:
		if msg.Type != protocol.TypeLog && msg.Type != protocol.TypeConsole {
			color = colorInfo
		}
	}
	return lipgloss.NewStyle().Foreground(colorMuted).Render(stamp) + " " +
		lipgloss.NewStyle().Foreground(color).Bold(true).Render(tag) + " " +
		lipgloss.NewStyle().Foreground(colorText).Render(body)
}

// splitList returns nil for an empty flag so the host applies its defaults.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
