package metrics

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"podtable/pkg/cluster"
)

// Prometheus implements Collector on a prometheus registry. Vectors are
// created on first use; the label names of that first call are fixed for
// the metric afterwards.
type Prometheus struct {
	namespace string
	reg       prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		namespace:  namespace,
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (p *Prometheus) register(name string, c prometheus.Collector) {
	if err := p.reg.Register(c); err != nil {
		slog.Warn("metric registration failed", "metric", name, "error", err)
	}
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: p.namespace, Name: name, Help: name}, labelNames(labels))
		p.register(name, vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	c, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("counter labels rejected", "metric", name, "error", err)
		return
	}
	c.Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: p.namespace, Name: name, Help: name}, labelNames(labels))
		p.register(name, vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	g, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("gauge labels rejected", "metric", name, "error", err)
		return
	}
	g.Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		p.register(name, vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	h, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("histogram labels rejected", "metric", name, "error", err)
		return
	}
	h.Observe(value)
}

// RegisterPod exports the membership generation and size of a pod.
func RegisterPod(namespace string, reg prometheus.Registerer, sm *cluster.ShardMap) error {
	labels := prometheus.Labels{"pod": string(sm.Pod())}
	gen := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pod_generation",
		Help:        "Published membership generation of the pod.",
		ConstLabels: labels,
	}, func() float64 { return float64(sm.Generation()) })
	size := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "pod_members",
		Help:        "Number of members in the current pod generation.",
		ConstLabels: labels,
	}, func() float64 { return float64(sm.Snapshot().Len()) })

	if err := reg.Register(gen); err != nil {
		return err
	}
	return reg.Register(size)
}
