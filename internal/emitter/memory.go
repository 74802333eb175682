package emitter

import (
	"sync"

	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
)

// MemorySink records every emission in memory for assertions. It is a
// production-shaped fake injected through the normal constructor path,
// like the AI client fake.
type MemorySink struct {
	mu     sync.Mutex
	counts map[string]float64
	gauges map[string]float64
	hists  map[string][]float64
	events []MemoryEvent
}

type MemoryEvent struct {
	Title    string
	Body     string
	Severity telemetry.Severity
	Tags     map[string]string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		counts: make(map[string]float64),
		gauges: make(map[string]float64),
		hists:  make(map[string][]float64),
	}
}

func (s *MemorySink) Counter(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name] += value
}

func (s *MemorySink) Gauge(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = value
}

func (s *MemorySink) Histogram(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hists[name] = append(s.hists[name], value)
}

func (s *MemorySink) Event(title, body string, severity telemetry.Severity, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, MemoryEvent{Title: title, Body: body, Severity: severity, Tags: tags})
}

// CounterValue returns the accumulated total for a fully-qualified
// metric name (namespace included).
func (s *MemorySink) CounterValue(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

func (s *MemorySink) GaugeValue(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.gauges[name]
	return v, ok
}

func (s *MemorySink) HistogramSamples(name string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.hists[name]))
	copy(out, s.hists[name])
	return out
}

func (s *MemorySink) Events() []MemoryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MemoryEvent, len(s.events))
	copy(out, s.events)
	return out
}
