package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a stats collector that prefixes the name of the stats it
// collects, mirroring the teacher's metrics.Scope abstraction. Inc and
// TimingDuration additionally carry a status label, since SPEC_FULL.md
// §4.10 requires every outbound operation's counter and histogram to be
// queryable by status ("ok"/"error"), not just its log line.
type Scope interface {
	NewScope(scopes ...string) Scope

	Inc(stat string, value int64, status string)
	Gauge(stat string, value int64)
	TimingDuration(stat string, delta time.Duration, status string)

	MustRegister(...prometheus.Collector)
}

// autoRegisterer lazily creates and registers Prometheus collectors the
// first time a given stat name is used, so call sites never have to
// declare their metrics up front.
type autoRegisterer struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func newAutoRegisterer(reg prometheus.Registerer) *autoRegisterer {
	return &autoRegisterer{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (a *autoRegisterer) counter(name, status string) prometheus.Counter {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.counters[name]
	if !ok {
		v = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, []string{"status"})
		a.reg.MustRegister(v)
		a.counters[name] = v
	}
	return v.WithLabelValues(status)
}

func (a *autoRegisterer) gauge(name string) prometheus.Gauge {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.gauges[name]
	if !ok {
		v = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, nil)
		a.reg.MustRegister(v)
		a.gauges[name] = v
	}
	return v.WithLabelValues()
}

func (a *autoRegisterer) histogram(name, status string) prometheus.Observer {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.histograms[name]
	if !ok {
		v = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, []string{"status"})
		a.reg.MustRegister(v)
		a.histograms[name] = v
	}
	return v.WithLabelValues(status)
}

// promScope is a Scope that sends data to Prometheus.
type promScope struct {
	prometheus.Registerer
	*autoRegisterer
	prefix string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that sends data to Prometheus.
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		Registerer:     registerer,
		prefix:         strings.Join(scopes, "_"),
		autoRegisterer: newAutoRegisterer(registerer),
	}
}

func (s *promScope) NewScope(scopes ...string) Scope {
	return NewPromScope(s.Registerer, append([]string{s.prefix}, scopes...)...)
}

func (s *promScope) name(stat string) string {
	if s.prefix == "" {
		return stat
	}
	return s.prefix + "_" + stat
}

func (s *promScope) Inc(stat string, value int64, status string) {
	s.counter(s.name(stat), status).Add(float64(value))
}

func (s *promScope) Gauge(stat string, value int64) {
	s.gauge(s.name(stat)).Set(float64(value))
}

func (s *promScope) TimingDuration(stat string, delta time.Duration, status string) {
	s.histogram(s.name(stat)+"_seconds", status).Observe(delta.Seconds())
}

type noopScope struct{}

// NewNoopScope returns a Scope that discards everything it's given, used
// by tests that don't care about metrics output.
func NewNoopScope() Scope { return noopScope{} }

func (ns noopScope) NewScope(scopes ...string) Scope                      { return ns }
func (noopScope) Inc(stat string, value int64, status string)             {}
func (noopScope) Gauge(stat string, value int64)                          {}
func (noopScope) TimingDuration(stat string, delta time.Duration, status string) {}
func (noopScope) MustRegister(...prometheus.Collector)                    {}
