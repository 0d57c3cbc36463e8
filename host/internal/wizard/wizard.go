// Package wizard provides an interactive setup wizard that writes a
// workspace config file for code-bridge-host.
package wizard

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jestevery/code-bridge/host/internal/config"
	"github.com/jestevery/code-bridge/pkg/cli"
)

// Wizard drives the interactive host config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run asks for the settings worth changing and writes the config file.
func (w *Wizard) Run(outputPath string) error {
	defaults := config.Default()
	cfg := &config.Config{}

	w.println()
	w.println("  code-bridge host configuration")
	w.println(strings.Repeat("─", 34))
	w.println()

	w.println("Server")
	cfg.Server.Host = w.p.Ask("  Listen host", defaults.Server.Host)
	cfg.Server.Port = w.p.AskPort("  Preferred port", defaults.Server.Port)
	cfg.Server.AllowedOrigins = w.p.AskList("  Allowed browser origins (comma separated, empty allows any)", nil)
	w.println()

	w.println("Routing")
	cfg.Router.ScreenshotInterval.Duration = w.p.AskDuration("  Minimum screenshot interval per bridge", defaults.Router.ScreenshotInterval.Duration)
	cfg.Router.AuthTimeout.Duration = w.p.AskDuration("  Authentication timeout", defaults.Router.AuthTimeout.Duration)
	w.println()

	w.println("Audit log")
	cfg.Storage.Driver = w.p.Choose("  Storage driver", []string{"sqlite", "postgres", "none"}, 0)
	switch cfg.Storage.Driver {
	case "sqlite":
		cfg.Storage.DSN = w.p.Ask("  SQLite database path (empty for .code/code-bridge.db)", "")
	case "postgres":
		cfg.Storage.DSN = w.postgresDSN()
	}
	w.println()

	w.println("Logging")
	cfg.Logging.Level = w.p.Choose("  Level", []string{"debug", "info", "warn", "error"}, 1)
	cfg.Logging.Format = w.p.Choose("  Format", []string{"text", "json"}, 0)
	w.println()

	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", config.FilePath("."))
	}
	if _, err := os.Stat(outputPath); err == nil {
		if !w.p.Confirm(fmt.Sprintf("%s exists. Overwrite?", outputPath), false) {
			return fmt.Errorf("not overwriting %s", outputPath)
		}
	}

	if err := write(outputPath, cfg); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w.p.Out, "\n  Config written to %s\n\n", outputPath)
	w.println("  Next steps:")
	_, _ = fmt.Fprintf(w.p.Out, "    code-bridge-host run -c %s\n\n", outputPath)
	return nil
}

// RunDefaults writes a config holding every default, for editing by hand.
func (w *Wizard) RunDefaults(outputPath string) error {
	cfg := config.Default()
	// Both depend on where the host runs, not where the file was generated.
	cfg.Workspace = ""
	cfg.Storage.DSN = ""
	if outputPath == "" {
		outputPath = config.FilePath(".")
	}
	if err := write(outputPath, cfg); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w.p.Out, "Config written to %s\n", outputPath)
	return nil
}

func (w *Wizard) postgresDSN() string {
	host := w.p.Ask("  PostgreSQL host", "localhost:5432")
	user := w.p.Ask("  User", "codebridge")
	password := w.p.AskSecret("  Password")
	db := w.p.Ask("  Database", "codebridge")
	sslmode := w.p.Choose("  SSL mode", []string{"disable", "require", "verify-full"}, 0)

	u := url.URL{
		Scheme:   "postgres",
		Host:     host,
		Path:     "/" + db,
		RawQuery: "sslmode=" + sslmode,
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func (w *Wizard) println(a ...any) {
	_, _ = fmt.Fprintln(w.p.Out, a...)
}

func write(path string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	// The file may carry a database password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
