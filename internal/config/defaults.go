package config

// Default values for configuration options. The retry defaults mirror the
// executor's own defaults so an empty config file changes nothing.
const (
	defaultCredential     = "delegated"
	defaultEnvironment    = "production"
	defaultRetryCount     = 10
	defaultRetryDelay     = "500ms"
	defaultRequestTimeout = "60s"
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
)

// DefaultConfig returns a Config populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		SiteConfig: SiteConfig{
			Credential:  defaultCredential,
			Environment: defaultEnvironment,
		},
		RetryConfig: RetryConfig{
			RetryCount: defaultRetryCount,
			RetryDelay: defaultRetryDelay,
		},
		NetworkConfig: NetworkConfig{
			RequestTimeout: defaultRequestTimeout,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
