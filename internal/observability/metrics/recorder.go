package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "acp"

// Recorder owns a private Prometheus registry and the collectors for
// workflows, steps, audit decisions, registry size and HTTP traffic.
type Recorder struct {
	registry *prometheus.Registry

	workflows       *prometheus.CounterVec
	steps           *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// Option configures a Recorder.
type Option func(*recorderOptions)

type recorderOptions struct {
	runtime bool
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(o *recorderOptions) {
		o.runtime = true
	}
}

// New builds a Recorder with all collectors registered.
func New(opts ...Option) *Recorder {
	var o recorderOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	r := &Recorder{
		registry: prometheus.NewRegistry(),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Workflow state transitions by resulting status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Executed workflow steps by capability and outcome.",
		}, []string{"capability", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Duration of agent invocations per workflow step.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"capability"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_decisions_total",
			Help:      "Decisions assigned an audit id, by type and whether a backend stored them.",
		}, []string{"decision_type", "persisted"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	r.registry.MustRegister(
		r.workflows,
		r.steps,
		r.stepDuration,
		r.decisions,
		r.requests,
		r.requestErrors,
		r.requestDuration,
	)
	if o.runtime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// ObserveWorkflow counts a workflow entering the given status.
func (r *Recorder) ObserveWorkflow(status string) {
	if r == nil {
		return
	}
	r.workflows.WithLabelValues(status).Inc()
}

// ObserveStep records the outcome and latency of one workflow step.
func (r *Recorder) ObserveStep(capability, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(capability, status).Inc()
	r.stepDuration.WithLabelValues(capability).Observe(d.Seconds())
}

// ObserveDecision counts a decision that received an audit id.
func (r *Recorder) ObserveDecision(decisionType string, persisted bool) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(decisionType, strconv.FormatBool(persisted)).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.requestErrors.WithLabelValues(handler, method).Inc()
	}
	r.requestDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Sizer reports a current population, e.g. registered agents.
type Sizer interface {
	Len() int
}

// Distribution reports per-capability agent counts.
type Distribution interface {
	CapabilityCounts() map[string]int
}

// WatchRegistry exports the registry population as gauges sampled at scrape time.
func (r *Recorder) WatchRegistry(agents Sizer, capabilities Distribution) error {
	if agents != nil {
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_agents",
			Help:      "Number of registered agents.",
		}, func() float64 { return float64(agents.Len()) })
		if err := r.registry.Register(gauge); err != nil {
			return err
		}
	}
	if capabilities != nil {
		if err := r.registry.Register(&distributionCollector{
			source: capabilities,
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "registry", "capability_agents"),
				"Number of agents advertising each capability.",
				[]string{"capability"}, nil,
			),
		}); err != nil {
			return err
		}
	}
	return nil
}

type distributionCollector struct {
	source Distribution
	desc   *prometheus.Desc
}

func (c *distributionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *distributionCollector) Collect(ch chan<- prometheus.Metric) {
	for capability, count := range c.source.CapabilityCounts() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(count), capability)
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
