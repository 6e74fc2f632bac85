package config

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultBaseURL               = "https://www.googleapis.com/"
	defaultTokenURL              = "https://accounts.google.com/o/oauth2/token"
	defaultConnectTimeout        = "10s"
	defaultCallTimeout           = "60s"
	defaultResponseHeaderTimeout = "5m"
	defaultRefreshTries          = 10
	defaultTransferTries         = 5
	defaultRequestTries          = 20
	defaultBaseDelay             = "1s"
	defaultMaxDelay              = "10m"
	defaultLogLevel              = "info"
	defaultLogFormat             = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:  defaultBaseURL,
			TokenURL: defaultTokenURL,
		},
		Network: NetworkConfig{
			ConnectTimeout:        defaultConnectTimeout,
			CallTimeout:           defaultCallTimeout,
			ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		},
		Retry: RetryConfig{
			RefreshTries:  defaultRefreshTries,
			TransferTries: defaultTransferTries,
			RequestTries:  defaultRequestTries,
			BaseDelay:     defaultBaseDelay,
			MaxDelay:      defaultMaxDelay,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
