package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lattiq/maildispatch"
)

func newConfigCommand(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			_, _ = fmt.Fprintln(w, "KEY\tVALUE")
			for _, row := range configRows(cfg) {
				_, _ = fmt.Fprintf(w, "%s\t%v\n", row[0], row[1])
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return nil
		},
	}
}

func configRows(cfg maildispatch.Config) [][2]any {
	p, r, cb, m := cfg.Provider, cfg.Retry, cfg.CircuitBreaker, cfg.Monitoring

	rows := [][2]any{
		{"provider.type", p.Type},
		{"provider.endpoint", p.Endpoint},
		{"provider.api_key", maskSecret(p.APIKey)},
		{"provider.from", p.From},
		{"provider.attempt_timeout", p.AttemptTimeout},
		{"provider.max_conns_per_host", p.MaxConnsPerHost},
		{"provider.idle_conn_timeout", p.IdleConnTimeout},
	}

	keys := make([]string, 0, len(p.Settings))
	for k := range p.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := p.Settings[k]
		if k == "secret_key" || k == "api_key" || k == "session_token" {
			v = maskSecret(v)
		}
		rows = append(rows, [2]any{"provider.settings." + k, v})
	}

	return append(rows,
		[2]any{"retry.max_attempts", r.MaxAttempts},
		[2]any{"retry.base_delay", r.BaseDelay},
		[2]any{"retry.max_delay", r.MaxDelay},
		[2]any{"retry.factor", r.Factor},
		[2]any{"retry.jitter", r.Jitter},
		[2]any{"circuit_breaker.error_threshold_percentage", cb.ErrorThresholdPercentage},
		[2]any{"circuit_breaker.minimum_volume", cb.MinimumVolume},
		[2]any{"circuit_breaker.reset_timeout", cb.ResetTimeout},
		[2]any{"circuit_breaker.call_timeout", cb.CallTimeout},
		[2]any{"circuit_breaker.rolling_window", cb.RollingWindow},
		[2]any{"circuit_breaker.rolling_buckets", cb.RollingBuckets},
		[2]any{"monitoring.tracing.enabled", m.Tracing.Enabled},
		[2]any{"monitoring.metrics.namespace", m.Metrics.Namespace},
		[2]any{"monitoring.metrics.subject_prefix_length", m.Metrics.SubjectPrefixLength},
		[2]any{"monitoring.logging.enabled", m.Logging.Enabled},
		[2]any{"monitoring.logging.level", m.Logging.Level},
	)
}

// maskSecret keeps the first four characters of a credential.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:4] + "****"
	}
}
