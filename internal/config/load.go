package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is the final configuration after the override chain, with
// durations parsed and state paths filled in.
type Resolved struct {
	ConfigPath string

	BaseURL         string
	TokenURL        string
	CredentialsPath string
	LedgerPath      string

	ConnectTimeout        time.Duration
	CallTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	UserAgent             string
	InsecureSkipVerify    bool

	RefreshTries  int
	TransferTries int
	RequestTries  int
	BaseDelay     time.Duration
	MaxDelay      time.Duration

	LogLevel  string
	LogFormat string

	MetricsTextfile string
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.CredentialsPath != "" {
		cfg.API.CredentialsPath = env.CredentialsPath
	}

	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	if cli.CredentialsPath != nil {
		cfg.API.CredentialsPath = *cli.CredentialsPath
	}

	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}

	// Env and CLI values have not been through Load's validation.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolve(cfg, cfgPath), nil
}

// resolve converts a validated Config. Parse errors cannot occur here.
func resolve(cfg *Config, cfgPath string) *Resolved {
	r := &Resolved{
		ConfigPath:         cfgPath,
		BaseURL:            cfg.API.BaseURL,
		TokenURL:           cfg.API.TokenURL,
		CredentialsPath:    expandTilde(cfg.API.CredentialsPath),
		LedgerPath:         expandTilde(cfg.API.LedgerPath),
		UserAgent:          cfg.Network.UserAgent,
		InsecureSkipVerify: cfg.Network.InsecureSkipVerify,
		RefreshTries:       cfg.Retry.RefreshTries,
		TransferTries:      cfg.Retry.TransferTries,
		RequestTries:       cfg.Retry.RequestTries,
		LogLevel:           cfg.Logging.LogLevel,
		LogFormat:          cfg.Logging.LogFormat,
		MetricsTextfile:    expandTilde(cfg.Metrics.Textfile),
	}

	r.ConnectTimeout, _ = time.ParseDuration(cfg.Network.ConnectTimeout)
	r.CallTimeout, _ = time.ParseDuration(cfg.Network.CallTimeout)
	r.ResponseHeaderTimeout, _ = time.ParseDuration(cfg.Network.ResponseHeaderTimeout)
	r.BaseDelay, _ = time.ParseDuration(cfg.Retry.BaseDelay)
	r.MaxDelay, _ = time.ParseDuration(cfg.Retry.MaxDelay)

	if r.CredentialsPath == "" {
		r.CredentialsPath = filepath.Join(DefaultDataDir(), credentialsFileName)
	}

	if r.LedgerPath == "" {
		r.LedgerPath = filepath.Join(DefaultDataDir(), ledgerFileName)
	}

	return r
}
