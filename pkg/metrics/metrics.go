// Prometheus text exposition
//
// Counters, gauges and histograms keyed by label sets, gathered into the
// Prometheus text format by a Registry.
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType is the exposition type of a metric.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels is one label set of a series.
type Labels map[string]string

// Key returns the canonical series key.
func (l Labels) Key() string {
	return labelKey(l)
}

// String returns the labels in exposition format.
func (l Labels) String() string {
	return formatLabels(l)
}

// With returns a copy of l with k set to v.
func (l Labels) With(k, v string) Labels {
	out := make(Labels, len(l)+1)
	for lk, lv := range l {
		out[lk] = lv
	}
	out[k] = v
	return out
}

func sortedKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelKey(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, k := range sortedKeys(labels) {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range sortedKeys(labels) {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString("=\"")
		sb.WriteString(escapeLabel(labels[k]))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Metric is implemented by every metric type.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

func writeHeader(sb *strings.Builder, m Metric) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", m.Name(), m.Help(), m.Name(), m.Type())
}

// series holds the per-label-set values of one metric. Output is sorted
// by label key so scrapes are stable.
type series[V any] struct {
	mu     sync.RWMutex
	values map[string]*V
	labels map[string]Labels
}

func (s *series[V]) get(labels Labels, create func() *V) *V {
	key := labelKey(labels)
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok || create == nil {
		return v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok = s.values[key]; ok {
		return v
	}
	if s.values == nil {
		s.values = make(map[string]*V)
		s.labels = make(map[string]Labels)
	}
	v = create()
	s.values[key] = v
	s.labels[key] = labels
	return v
}

func (s *series[V]) each(fn func(Labels, *V)) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		s.mu.RLock()
		v, l := s.values[k], s.labels[k]
		s.mu.RUnlock()
		fn(l, v)
	}
}

func (s *series[V]) remove(labels Labels) {
	key := labelKey(labels)
	s.mu.Lock()
	delete(s.values, key)
	delete(s.labels, key)
	s.mu.Unlock()
}

// Counter only goes up.
type Counter struct {
	name, help string
	s          series[uint64]
}

// NewCounter creates a counter.
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return TypeCounter }

// Inc adds one.
func (c *Counter) Inc(labels Labels) {
	c.Add(labels, 1)
}

// Add adds delta.
func (c *Counter) Add(labels Labels, delta uint64) {
	atomic.AddUint64(c.s.get(labels, func() *uint64 { return new(uint64) }), delta)
}

// Get returns the value of one series, zero if it was never touched.
func (c *Counter) Get(labels Labels) uint64 {
	if v := c.s.get(labels, nil); v != nil {
		return atomic.LoadUint64(v)
	}
	return 0
}

func (c *Counter) Write(sb *strings.Builder) {
	writeHeader(sb, c)
	c.s.each(func(l Labels, v *uint64) {
		fmt.Fprintf(sb, "%s%s %d\n", c.name, formatLabels(l), atomic.LoadUint64(v))
	})
}

// Gauge can go up and down.
type Gauge struct {
	name, help string
	s          series[gaugeValue]
}

type gaugeValue struct {
	mu    sync.Mutex
	value float64
}

// NewGauge creates a gauge.
func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) value(labels Labels) *gaugeValue {
	return g.s.get(labels, func() *gaugeValue { return &gaugeValue{} })
}

// Set sets the value of one series.
func (g *Gauge) Set(labels Labels, v float64) {
	gv := g.value(labels)
	gv.mu.Lock()
	gv.value = v
	gv.mu.Unlock()
}

// SetBool sets 1 for true and 0 for false.
func (g *Gauge) SetBool(labels Labels, b bool) {
	v := 0.0
	if b {
		v = 1
	}
	g.Set(labels, v)
}

// Add adds delta, which may be negative.
func (g *Gauge) Add(labels Labels, delta float64) {
	gv := g.value(labels)
	gv.mu.Lock()
	gv.value += delta
	gv.mu.Unlock()
}

// Inc adds one.
func (g *Gauge) Inc(labels Labels) { g.Add(labels, 1) }

// Dec subtracts one.
func (g *Gauge) Dec(labels Labels) { g.Add(labels, -1) }

// Get returns the value of one series.
func (g *Gauge) Get(labels Labels) float64 {
	gv := g.s.get(labels, nil)
	if gv == nil {
		return 0
	}
	gv.mu.Lock()
	defer gv.mu.Unlock()
	return gv.value
}

// Delete drops one series.
func (g *Gauge) Delete(labels Labels) {
	g.s.remove(labels)
}

func (g *Gauge) Write(sb *strings.Builder) {
	writeHeader(sb, g)
	g.s.each(func(l Labels, gv *gaugeValue) {
		gv.mu.Lock()
		v := gv.value
		gv.mu.Unlock()
		fmt.Fprintf(sb, "%s%s %s\n", g.name, formatLabels(l), formatFloat(v))
	})
}

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	name, help string
	buckets    []float64
	s          series[histogramValue]
}

type histogramValue struct {
	mu      sync.Mutex
	count   uint64
	sum     float64
	buckets []uint64
}

// NewHistogram creates a histogram. The buckets are upper bounds and are
// sorted on creation.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &Histogram{name: name, help: help, buckets: sorted}
}

// LatencyBuckets suits bus transactions and poll sweeps, 100us to 1s.
func LatencyBuckets() []float64 {
	return []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Help() string     { return h.help }
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Observe records one value.
func (h *Histogram) Observe(labels Labels, v float64) {
	hv := h.s.get(labels, func() *histogramValue {
		return &histogramValue{buckets: make([]uint64, len(h.buckets))}
	})
	hv.mu.Lock()
	hv.count++
	hv.sum += v
	for i, bound := range h.buckets {
		if v <= bound {
			hv.buckets[i]++
			break
		}
	}
	hv.mu.Unlock()
}

// Timer returns a function that observes the time elapsed since Timer
// was called.
func (h *Histogram) Timer(labels Labels) func() {
	start := time.Now()
	return func() {
		h.Observe(labels, time.Since(start).Seconds())
	}
}

// Snapshot is a point-in-time copy of one histogram series with
// cumulative bucket counts.
type Snapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64
}

// Snapshot returns the state of one series.
func (h *Histogram) Snapshot(labels Labels) Snapshot {
	snap := Snapshot{Buckets: make(map[float64]uint64, len(h.buckets))}
	hv := h.s.get(labels, nil)
	if hv == nil {
		return snap
	}
	hv.mu.Lock()
	defer hv.mu.Unlock()
	var cum uint64
	for i, bound := range h.buckets {
		cum += hv.buckets[i]
		snap.Buckets[bound] = cum
	}
	snap.Count = hv.count
	snap.Sum = hv.sum
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	writeHeader(sb, h)
	h.s.each(func(l Labels, hv *histogramValue) {
		hv.mu.Lock()
		count, sum := hv.count, hv.sum
		counts := append([]uint64(nil), hv.buckets...)
		hv.mu.Unlock()

		var cum uint64
		for i, bound := range h.buckets {
			cum += counts[i]
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, formatLabels(l.With("le", formatFloat(bound))), cum)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, formatLabels(l.With("le", "+Inf")), count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, formatLabels(l), formatFloat(sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, formatLabels(l), count)
	})
}

// Registry holds metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric. Names must be unique.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metrics[m.Name()]; ok {
		return fmt.Errorf("metrics: %q already registered", m.Name())
	}
	r.metrics[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// MustRegister is Register that panics on a duplicate name.
func (r *Registry) MustRegister(ms ...Metric) {
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Get returns a metric by name, nil if absent.
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every metric in registration order.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}
