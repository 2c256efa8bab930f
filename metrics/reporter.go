package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "worldcore"

// Reporter turns group/name/value reports into prometheus collectors, one
// vector per metric name. Dimension keys become label names, so a metric
// must always be reported with the same dimension keys.
type Reporter struct {
	registry *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

// NewReporter creates a reporter with its own registry. withRuntime adds the
// go runtime and process collectors.
func NewReporter(withRuntime bool) *Reporter {
	r := &Reporter{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
	}
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Registry exposes the underlying registry, mostly for tests.
func (r *Reporter) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus text format.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func metricKey(group, name string) string {
	return sanitize(group) + "_" + sanitize(name)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}

func labelNames(dim Dimension) []string {
	if len(dim) == 0 {
		return nil
	}
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, sanitize(k))
	}
	sort.Strings(names)
	return names
}

func labelValues(dim Dimension) prometheus.Labels {
	labels := make(prometheus.Labels, len(dim))
	for k, v := range dim {
		labels[sanitize(k)] = v
	}
	return labels
}

func (r *Reporter) sameLabels(key string, names []string) bool {
	known := r.labels[key]
	if len(known) != len(names) {
		return false
	}
	for i := range known {
		if known[i] != names[i] {
			return false
		}
	}
	return true
}

func (r *Reporter) counter(group, name string, dim Dimension) prometheus.Counter {
	key := metricKey(group, name)
	names := labelNames(dim)

	r.mu.RLock()
	vec, ok := r.counters[key]
	same := ok && r.sameLabels(key, names)
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if vec, ok = r.counters[key]; !ok {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: sanitize(group),
				Name:      sanitize(name),
				Help:      group + " " + name,
			}, names)
			if err := r.registry.Register(vec); err != nil {
				r.mu.Unlock()
				return nil
			}
			r.counters[key] = vec
			r.labels[key] = names
		}
		same = r.sameLabels(key, names)
		r.mu.Unlock()
	}
	if !same {
		return nil
	}
	return vec.With(labelValues(dim))
}

func (r *Reporter) gauge(group, name string, dim Dimension) prometheus.Gauge {
	key := metricKey(group, name)
	names := labelNames(dim)

	r.mu.RLock()
	vec, ok := r.gauges[key]
	same := ok && r.sameLabels(key, names)
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if vec, ok = r.gauges[key]; !ok {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: sanitize(group),
				Name:      sanitize(name),
				Help:      group + " " + name,
			}, names)
			if err := r.registry.Register(vec); err != nil {
				r.mu.Unlock()
				return nil
			}
			r.gauges[key] = vec
			r.labels[key] = names
		}
		same = r.sameLabels(key, names)
		r.mu.Unlock()
	}
	if !same {
		return nil
	}
	return vec.With(labelValues(dim))
}

func (r *Reporter) histogram(group, name string, dim Dimension) prometheus.Observer {
	key := metricKey(group, name)
	names := labelNames(dim)

	r.mu.RLock()
	vec, ok := r.histograms[key]
	same := ok && r.sameLabels(key, names)
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if vec, ok = r.histograms[key]; !ok {
			vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: sanitize(group),
				Name:      sanitize(name),
				Help:      group + " " + name,
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			}, names)
			if err := r.registry.Register(vec); err != nil {
				r.mu.Unlock()
				return nil
			}
			r.histograms[key] = vec
			r.labels[key] = names
		}
		same = r.sameLabels(key, names)
		r.mu.Unlock()
	}
	if !same {
		return nil
	}
	return vec.With(labelValues(dim))
}

// IncrCounter adds n to a counter. Reports with mismatching dimension keys
// are dropped.
func (r *Reporter) IncrCounter(group, name string, n Value, dim Dimension) {
	if c := r.counter(group, name, dim); c != nil && n >= 0 {
		c.Add(float64(n))
	}
}

// UpdateGauge sets a gauge.
func (r *Reporter) UpdateGauge(group, name string, v Value, dim Dimension) {
	if g := r.gauge(group, name, dim); g != nil {
		g.Set(float64(v))
	}
}

// AddGauge moves a gauge by delta, which may be negative.
func (r *Reporter) AddGauge(group, name string, delta Value, dim Dimension) {
	if g := r.gauge(group, name, dim); g != nil {
		g.Add(float64(delta))
	}
}

// Observe records a sample, in seconds for latencies.
func (r *Reporter) Observe(group, name string, v Value, dim Dimension) {
	if h := r.histogram(group, name, dim); h != nil {
		h.Observe(float64(v))
	}
}
