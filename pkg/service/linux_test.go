//go:build !windows

package service

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRenderUnit(t *testing.T) {
	unit, err := renderUnit(Config{
		Name:        "odoh-server",
		DisplayName: "ODoH Target",
		Args:        []string{"run", "--config-path", "/etc/odoh server/config.json"},
	}, "/usr/local/bin/odoh-server")
	if err != nil {
		t.Fatalf("renderUnit() error = %v", err)
	}

	wantExec := `ExecStart=/usr/local/bin/odoh-server run --config-path "/etc/odoh server/config.json"`
	if !strings.Contains(unit, wantExec) {
		t.Errorf("unit missing %q:\n%s", wantExec, unit)
	}
	if !strings.Contains(unit, "Description=ODoH Target") {
		t.Errorf("unit missing description:\n%s", unit)
	}
}

func TestQuoteArg(t *testing.T) {
	tests := []struct {
		arg  string
		want string
	}{
		{arg: "run", want: "run"},
		{arg: "", want: `""`},
		{arg: "a b", want: `"a b"`},
		{arg: `say "hi"`, want: `"say \"hi\""`},
	}

	for _, tt := range tests {
		if got := quoteArg(tt.arg); got != tt.want {
			t.Errorf("quoteArg(%q) = %q, want %q", tt.arg, got, tt.want)
		}
	}
}

func TestInstallRequiresName(t *testing.T) {
	if err := Install(Config{}); err == nil {
		t.Error("Install() should fail without a name")
	}
}

func TestRunPassesContext(t *testing.T) {
	sentinel := errors.New("done")
	err := Run("odoh-server", func(ctx context.Context) error {
		if ctx.Err() != nil {
			t.Error("context cancelled before run")
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Run() error = %v, want %v", err, sentinel)
	}
}
