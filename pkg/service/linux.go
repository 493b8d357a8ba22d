//go:build !windows

package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/template"
)

const systemdUnitDir = "/etc/systemd/system"

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=on-failure
RestartSec=5
DynamicUser=true
AmbientCapabilities=CAP_NET_BIND_SERVICE

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=true
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`))

// renderUnit produces the systemd unit for cfg running exePath.
func renderUnit(cfg Config, exePath string) (string, error) {
	description := cfg.Description
	if description == "" {
		description = cfg.DisplayName
	}

	parts := make([]string, 0, len(cfg.Args)+1)
	parts = append(parts, quoteArg(exePath))
	for _, arg := range cfg.Args {
		parts = append(parts, quoteArg(arg))
	}

	var b strings.Builder
	err := unitTemplate.Execute(&b, struct {
		Description string
		ExecStart   string
	}{
		Description: description,
		ExecStart:   strings.Join(parts, " "),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render unit: %w", err)
	}
	return b.String(), nil
}

func quoteArg(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\"'\\") {
		return arg
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(arg) + `"`
}

func unitPath(name string) string {
	return filepath.Join(systemdUnitDir, name+".service")
}

// Install writes a systemd unit for the running executable and enables it.
func Install(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	unit, err := renderUnit(cfg, exePath)
	if err != nil {
		return err
	}
	path := unitPath(cfg.Name)
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("failed to write service file: %w", err)
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if err := exec.Command("systemctl", "enable", cfg.Name).Run(); err != nil {
		return fmt.Errorf("failed to enable service: %w", err)
	}
	return nil
}

// Uninstall stops, disables and removes the systemd unit.
func Uninstall(name string) error {
	// Best effort; the unit may not be running.
	_ = exec.Command("systemctl", "stop", name).Run()
	_ = exec.Command("systemctl", "disable", name).Run()

	if err := os.Remove(unitPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove service file: %w", err)
	}
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	return nil
}

// Run calls run with a context cancelled on SIGINT or SIGTERM. systemd manages the
// process directly, so there is nothing else to do.
func Run(_ string, run RunFunc) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx)
}

// IsService reports whether the process was started by systemd.
func IsService() bool {
	return os.Getenv("INVOCATION_ID") != ""
}
