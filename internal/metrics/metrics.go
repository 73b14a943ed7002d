// Package metrics records dispatch outcomes in a dedicated Prometheus registry.
package metrics

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/lattiq/maildispatch/internal/breaker"
	"github.com/lattiq/maildispatch/internal/core"
)

// DefaultSubjectPrefixLength is the number of subject runes kept as a label.
const DefaultSubjectPrefixLength = 16

// Options configures a Recorder.
type Options struct {
	// Namespace prefixes every metric name.
	Namespace string

	// SubjectPrefixLength truncates the subject label.
	SubjectPrefixLength int

	// Buckets overrides the attempt latency histogram buckets.
	Buckets []float64
}

// Recorder observes attempts, calls and breaker transitions.
// All methods are safe for concurrent use.
type Recorder struct {
	registry      *prometheus.Registry
	subjectPrefix int

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	sends           *prometheus.CounterVec
	failures        *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
}

// New creates a Recorder with its own registry.
func New(opts Options) *Recorder {
	if opts.Namespace == "" {
		opts.Namespace = "maildispatch"
	}
	if opts.SubjectPrefixLength <= 0 {
		opts.SubjectPrefixLength = DefaultSubjectPrefixLength
	}
	if len(opts.Buckets) == 0 {
		opts.Buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry:      registry,
		subjectPrefix: opts.SubjectPrefixLength,

		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: opts.Namespace,
				Name:      "attempts_total",
				Help:      "Total number of provider attempts",
			},
			[]string{"domain", "outcome"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: opts.Namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Provider attempt latency in seconds",
				Buckets:   opts.Buckets,
			},
			[]string{"domain", "outcome"},
		),
		sends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: opts.Namespace,
				Name:      "sends_total",
				Help:      "Total number of successfully dispatched emails",
			},
			[]string{"domain", "subject"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: opts.Namespace,
				Name:      "send_failures_total",
				Help:      "Total number of failed dispatch calls",
			},
			[]string{"classification", "status"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: opts.Namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"breaker"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: opts.Namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
	}
}

// ObserveAttempt records one attempt.
func (r *Recorder) ObserveAttempt(req core.SendRequest, o core.AttemptOutcome) {
	domain := req.RecipientDomain()
	outcome := o.StatusClass()
	r.attempts.WithLabelValues(domain, outcome).Inc()
	r.attemptDuration.WithLabelValues(domain, outcome).Observe(o.Latency.Seconds())
}

// RecordSuccess records a successful call.
func (r *Recorder) RecordSuccess(req core.SendRequest) {
	r.sends.WithLabelValues(req.RecipientDomain(), req.SubjectPrefix(r.subjectPrefix)).Inc()
}

// RecordFailure records a failed call. status is 0 when no response was
// received.
func (r *Recorder) RecordFailure(classification string, status int) {
	label := "none"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	r.failures.WithLabelValues(classification, label).Inc()
}

// SetBreakerState sets the breaker gauge.
func (r *Recorder) SetBreakerState(name string, state breaker.State) {
	r.breakerState.WithLabelValues(name).Set(float64(state))
}

// OnTransition implements breaker.Listener.
func (r *Recorder) OnTransition(t breaker.Transition) {
	r.breakerState.WithLabelValues(t.Name).Set(float64(t.To))
	r.transitions.WithLabelValues(t.Name, t.From.String(), t.To.String()).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteText writes every metric family in the text exposition format.
func (r *Recorder) WriteText(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot maps a series key such as
// `maildispatch_attempts_total{domain="x.com",outcome="2xx"}` to its value.
// Histograms contribute their _count and _sum series.
type Snapshot map[string]float64

// Snapshot gathers the current values.
func (r *Recorder) Snapshot() (Snapshot, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}

	snap := make(Snapshot)
	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.GetMetric() {
			labels := seriesLabels(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				snap[name+labels] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				snap[name+labels] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				snap[name+"_count"+labels] = float64(m.GetHistogram().GetSampleCount())
				snap[name+"_sum"+labels] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return snap, nil
}

func seriesLabels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+strconv.Quote(p.GetValue()))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
