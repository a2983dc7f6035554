package health

import (
	"math"
	"time"
)

type sample struct {
	at    time.Time
	value float64
	tags  map[string]string
}

type metricWindow struct {
	count   int64
	sum     float64
	min     float64
	max     float64
	samples []sample
}

// MetricSummary summarizes a recorded performance metric. Count, Sum, Min
// and Max are lifetime values; Window holds the samples still inside the
// performance window.
type MetricSummary struct {
	Name   string    `json:"name"`
	Count  int64     `json:"count"`
	Sum    float64   `json:"sum"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Window []float64 `json:"window"`
	Last   time.Time `json:"last"`
}

// RecordMetric adds a value to the named metric and prunes samples older
// than the performance window.
func (m *Monitor) RecordMetric(name string, value float64, tags map[string]string) {
	now := m.cfg.Now()

	m.perfMu.Lock()
	defer m.perfMu.Unlock()

	w, ok := m.perf[name]
	if !ok {
		w = &metricWindow{min: math.Inf(1), max: math.Inf(-1)}
		m.perf[name] = w
	}
	w.count++
	w.sum += value
	w.min = math.Min(w.min, value)
	w.max = math.Max(w.max, value)
	w.samples = append(w.samples, sample{at: now, value: value, tags: tags})
	m.pruneLocked(w, now)
}

func (m *Monitor) pruneLocked(w *metricWindow, now time.Time) {
	cutoff := now.Add(-m.cfg.PerformanceWindow)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if over := len(w.samples) - i - m.cfg.MetricLimit; over > 0 {
		i += over
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Metric returns the summary of a recorded metric.
func (m *Monitor) Metric(name string) (MetricSummary, bool) {
	m.perfMu.Lock()
	defer m.perfMu.Unlock()
	w, ok := m.perf[name]
	if !ok {
		return MetricSummary{}, false
	}
	m.pruneLocked(w, m.cfg.Now())
	return summarize(name, w), true
}

// MetricNames returns the names of recorded metrics.
func (m *Monitor) MetricNames() []string {
	m.perfMu.Lock()
	defer m.perfMu.Unlock()
	names := make([]string, 0, len(m.perf))
	for name := range m.perf {
		names = append(names, name)
	}
	return names
}

func summarize(name string, w *metricWindow) MetricSummary {
	s := MetricSummary{
		Name:   name,
		Count:  w.count,
		Sum:    w.sum,
		Min:    w.min,
		Max:    w.max,
		Window: make([]float64, len(w.samples)),
	}
	if w.count > 0 {
		s.Avg = w.sum / float64(w.count)
	}
	for i, smp := range w.samples {
		s.Window[i] = smp.value
	}
	if n := len(w.samples); n > 0 {
		s.Last = w.samples[n-1].at
	}
	return s
}
