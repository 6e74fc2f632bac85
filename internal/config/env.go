package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig      = "GDRIVE_GO_CONFIG"
	EnvCredentials = "GDRIVE_GO_CREDENTIALS"
	EnvLogLevel    = "GDRIVE_GO_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath      string // GDRIVE_GO_CONFIG: override config file path
	CredentialsPath string // GDRIVE_GO_CREDENTIALS: credential file path
	LogLevel        string // GDRIVE_GO_LOG_LEVEL: log level
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:      os.Getenv(EnvConfig),
		CredentialsPath: os.Getenv(EnvCredentials),
		LogLevel:        os.Getenv(EnvLogLevel),
	}
}
