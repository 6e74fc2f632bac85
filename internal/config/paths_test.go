package config

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigDir_XDG(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("XDG paths apply on Linux only")
	}

	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	assert.Equal(t, filepath.Join(xdg, appName), DefaultConfigDir())
	assert.Equal(t, filepath.Join(xdg, appName, configFileName), DefaultConfigPath())
}

func TestDefaultDataDir_XDGFallback(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("XDG paths apply on Linux only")
	}

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", "")

	assert.Equal(t, filepath.Join(home, ".local", "share", appName), DefaultDataDir())
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/gdrive.toml")
	t.Setenv(EnvCredentials, "/secrets/creds.json")
	t.Setenv(EnvLogLevel, "debug")

	assert.Equal(t, EnvOverrides{
		ConfigPath:      "/etc/gdrive.toml",
		CredentialsPath: "/secrets/creds.json",
		LogLevel:        "debug",
	}, ReadEnvOverrides())
}
