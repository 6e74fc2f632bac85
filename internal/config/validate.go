package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minConnectTimeout = 1 * time.Second
	minCallTimeout    = 1 * time.Second
	maxTries          = 100
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

// Validate checks all configuration values and returns all errors found,
// so a broken file can be fixed in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAPI(&cfg.API)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateAPI(a *APIConfig) []error {
	var errs []error

	for _, f := range []struct {
		name, value string
	}{
		{"base_url", a.BaseURL},
		{"token_url", a.TokenURL},
	} {
		u, err := url.Parse(f.value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: must be an absolute http(s) URL, got %q", f.name, f.value))
		}
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("call_timeout", n.CallTimeout, minCallTimeout)...)
	errs = append(errs, validateDurationMin("response_header_timeout", n.ResponseHeaderTimeout, 0)...)

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	for _, f := range []struct {
		name  string
		tries int
	}{
		{"refresh_tries", r.RefreshTries},
		{"transfer_tries", r.TransferTries},
		{"request_tries", r.RequestTries},
	} {
		if f.tries < 0 || f.tries > maxTries {
			errs = append(errs, fmt.Errorf("%s: must be between 0 and %d, got %d", f.name, maxTries, f.tries))
		}
	}

	base, err := time.ParseDuration(r.BaseDelay)
	if err != nil {
		errs = append(errs, fmt.Errorf("base_delay: invalid duration %q: %w", r.BaseDelay, err))
	} else if base <= 0 {
		errs = append(errs, fmt.Errorf("base_delay: must be greater than 0, got %s", r.BaseDelay))
	}

	maxDelay, err := time.ParseDuration(r.MaxDelay)
	if err != nil {
		errs = append(errs, fmt.Errorf("max_delay: invalid duration %q: %w", r.MaxDelay, err))
	} else if base > 0 && maxDelay < base {
		errs = append(errs, fmt.Errorf("max_delay: must be at least base_delay (%s), got %s", r.BaseDelay, r.MaxDelay))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

// validateDurationMin parses s and checks it is at least minimum. A zero
// minimum accepts "0" as "disabled".
func validateDurationMin(name, s string, minimum time.Duration) []error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", name, s, err)}
	}

	if d < minimum || d < 0 {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", name, minimum, s)}
	}

	return nil
}
