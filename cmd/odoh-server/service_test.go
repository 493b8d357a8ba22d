package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceArgs(t *testing.T) {
	cmd := newInstallCommand()
	cmd.Flags().StringP("config-path", "c", "", "")
	require.NoError(t, cmd.ParseFlags([]string{
		"--upstream", "https://dns.quad9.net/dns-query",
		"--rotation-interval", "1h",
		"-c", "odoh.json",
	}))

	args, err := serviceArgs(cmd.Flags())
	require.NoError(t, err)

	abs, err := filepath.Abs("odoh.json")
	require.NoError(t, err)
	assert.Equal(t, "run", args[0])
	assert.ElementsMatch(t, []string{
		"--upstream=https://dns.quad9.net/dns-query",
		"--rotation-interval=1h0m0s",
		"--config-path=" + abs,
	}, args[1:])
}

func TestServiceArgsDefaults(t *testing.T) {
	cmd := newInstallCommand()
	require.NoError(t, cmd.ParseFlags(nil))

	args, err := serviceArgs(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, args)
}
