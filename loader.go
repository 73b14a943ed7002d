package maildispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig.
const EnvPrefix = "MAILDISPATCH"

// LoadConfig reads configuration from an optional file and the environment.
// Keys map to variables as MAILDISPATCH_<SECTION>_<KEY>; the provider key
// also falls back to RESEND_API_KEY. An empty path reads the environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("provider.api_key", EnvPrefix+"_PROVIDER_API_KEY", "RESEND_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("error binding environment: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.Provider.Settings == nil {
		cfg.Provider.Settings = ProviderSettings{}
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it on Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("provider.type", string(d.Provider.Type))
	v.SetDefault("provider.endpoint", d.Provider.Endpoint)
	v.SetDefault("provider.api_key", d.Provider.APIKey)
	v.SetDefault("provider.from", d.Provider.From)
	v.SetDefault("provider.attempt_timeout", d.Provider.AttemptTimeout)
	v.SetDefault("provider.max_conns_per_host", d.Provider.MaxConnsPerHost)
	v.SetDefault("provider.idle_conn_timeout", d.Provider.IdleConnTimeout)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.factor", d.Retry.Factor)
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("circuit_breaker.error_threshold_percentage", d.CircuitBreaker.ErrorThresholdPercentage)
	v.SetDefault("circuit_breaker.minimum_volume", d.CircuitBreaker.MinimumVolume)
	v.SetDefault("circuit_breaker.reset_timeout", d.CircuitBreaker.ResetTimeout)
	v.SetDefault("circuit_breaker.call_timeout", d.CircuitBreaker.CallTimeout)
	v.SetDefault("circuit_breaker.rolling_window", d.CircuitBreaker.RollingWindow)
	v.SetDefault("circuit_breaker.rolling_buckets", d.CircuitBreaker.RollingBuckets)

	v.SetDefault("monitoring.tracing.enabled", d.Monitoring.Tracing.Enabled)
	v.SetDefault("monitoring.tracing.service_name", d.Monitoring.Tracing.ServiceName)
	v.SetDefault("monitoring.metrics.namespace", d.Monitoring.Metrics.Namespace)
	v.SetDefault("monitoring.metrics.subject_prefix_length", d.Monitoring.Metrics.SubjectPrefixLength)
	v.SetDefault("monitoring.logging.enabled", d.Monitoring.Logging.Enabled)
	v.SetDefault("monitoring.logging.level", d.Monitoring.Logging.Level)
	v.SetDefault("monitoring.logging.format", d.Monitoring.Logging.Format)
	v.SetDefault("monitoring.logging.output", d.Monitoring.Logging.Output)
}
