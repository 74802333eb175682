package emitter

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
	"go.uber.org/zap"
)

// PromSink publishes counters, gauges, and histograms through a
// Prometheus registry. Dotted wire names are mapped onto Prometheus
// naming rules (dots become underscores); the dotted form remains the
// stable contract, the Prometheus spelling is a transport detail.
// Events have no Prometheus representation and are logged at info.
type PromSink struct {
	reg    prometheus.Registerer
	logger *zap.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPromSink(reg prometheus.Registerer, logger *zap.Logger) *PromSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromSink{
		reg:        reg,
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// labelKey identifies a metric family by name plus its sorted label
// set: Prometheus requires every observation of a family to carry the
// same labels.
func labelKey(name string, labels []string) string {
	return name + "|" + strings.Join(labels, ",")
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func tagValues(tags map[string]string, keys []string) []string {
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	return values
}

func (s *PromSink) Counter(name string, value float64, tags map[string]string) {
	pn := promName(name)
	keys := sortedKeys(tags)

	s.mu.Lock()
	vec, ok := s.counters[labelKey(pn, keys)]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: pn}, keys)
		s.reg.MustRegister(vec)
		s.counters[labelKey(pn, keys)] = vec
	}
	s.mu.Unlock()

	vec.WithLabelValues(tagValues(tags, keys)...).Add(value)
}

func (s *PromSink) Gauge(name string, value float64, tags map[string]string) {
	pn := promName(name)
	keys := sortedKeys(tags)

	s.mu.Lock()
	vec, ok := s.gauges[labelKey(pn, keys)]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: pn}, keys)
		s.reg.MustRegister(vec)
		s.gauges[labelKey(pn, keys)] = vec
	}
	s.mu.Unlock()

	vec.WithLabelValues(tagValues(tags, keys)...).Set(value)
}

func (s *PromSink) Histogram(name string, value float64, tags map[string]string) {
	pn := promName(name)
	keys := sortedKeys(tags)

	s.mu.Lock()
	vec, ok := s.histograms[labelKey(pn, keys)]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    pn,
			Buckets: prometheus.ExponentialBuckets(1, 2.5, 12),
		}, keys)
		s.reg.MustRegister(vec)
		s.histograms[labelKey(pn, keys)] = vec
	}
	s.mu.Unlock()

	vec.WithLabelValues(tagValues(tags, keys)...).Observe(value)
}

func (s *PromSink) Event(title, body string, severity telemetry.Severity, tags map[string]string) {
	fields := []zap.Field{
		zap.String("title", title),
		zap.String("severity", string(severity)),
	}
	for k, v := range tags {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info(body, fields...)
}
