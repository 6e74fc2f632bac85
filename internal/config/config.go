// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for gdrive-go. Values follow a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	API     APIConfig     `toml:"api"`
	Network NetworkConfig `toml:"network"`
	Retry   RetryConfig   `toml:"retry"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// APIConfig locates the Drive endpoints and the local state files. Empty
// paths resolve to the platform data directory.
type APIConfig struct {
	BaseURL         string `toml:"base_url"`
	TokenURL        string `toml:"token_url"`
	CredentialsPath string `toml:"credentials_path"`
	LedgerPath      string `toml:"ledger_path"`
}

// NetworkConfig controls HTTP client behavior. call_timeout bounds one
// metadata exchange; response_header_timeout bounds the wait for response
// headers on every exchange, transfers included.
type NetworkConfig struct {
	ConnectTimeout        string `toml:"connect_timeout"`
	CallTimeout           string `toml:"call_timeout"`
	ResponseHeaderTimeout string `toml:"response_header_timeout"`
	UserAgent             string `toml:"user_agent"`
	InsecureSkipVerify    bool   `toml:"insecure_skip_verify"`
}

// RetryConfig sets the attempt budgets of the three retry policies and the
// shared backoff bounds.
type RetryConfig struct {
	RefreshTries  int    `toml:"refresh_tries"`
	TransferTries int    `toml:"transfer_tries"`
	RequestTries  int    `toml:"request_tries"`
	BaseDelay     string `toml:"base_delay"`
	MaxDelay      string `toml:"max_delay"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// MetricsConfig names the Prometheus textfile written when a command exits.
// Empty disables metrics output.
type MetricsConfig struct {
	Textfile string `toml:"textfile"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set".
type CLIOverrides struct {
	ConfigPath      string  // --config flag (empty = use default)
	CredentialsPath *string // --credentials flag
	LogLevel        *string // derived from --verbose / --quiet
}
