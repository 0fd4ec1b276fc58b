// Stepper driver metrics
//
// Per-axis gauges sampled from the driver instances at scrape time, event
// counters fed by the monitor and tuning observers, and monitor loop
// statistics.
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"sync"
	"time"

	"steppermon/pkg/stepper"
)

// MonitorStats is the part of the health monitor sampled at scrape time.
type MonitorStats interface {
	Stats() (ticks, skipped uint64)
	Halted() bool
}

// DriverMetrics holds every steppermon metric.
type DriverMetrics struct {
	AppliedCurrent *Gauge
	RatedCurrent   *Gauge
	FaultTicks     *Gauge
	Warnings       *Gauge
	CommLost       *Gauge
	OTPWLatched    *Gauge
	Flag           *Gauge
	Events         *Counter

	Sweeps        *Counter
	SweepsSkipped *Counter
	SweepDuration *Histogram
	Halted        *Gauge

	Uptime     *Gauge
	Goroutines *Gauge
	MemoryHeap *Gauge
	GCCycles   *Counter

	startTime time.Time
	registry  *Registry

	mu      sync.Mutex
	drivers func() []*stepper.Instance
	monitor MonitorStats
}

// NewDriverMetrics creates and registers the metrics.
func NewDriverMetrics() *DriverMetrics {
	dm := &DriverMetrics{
		startTime: time.Now(),
		registry:  NewRegistry(),
	}

	dm.AppliedCurrent = NewGauge("steppermon_driver_current_milliamps",
		"Current applied to the driver in mA")
	dm.RatedCurrent = NewGauge("steppermon_driver_rated_milliamps",
		"Operator current ceiling in mA")
	dm.FaultTicks = NewGauge("steppermon_driver_fault_ticks",
		"Consecutive polls with a fault condition")
	dm.Warnings = NewGauge("steppermon_driver_overtemp_warnings",
		"Consecutive polls with an overtemperature warning")
	dm.CommLost = NewGauge("steppermon_driver_comm_lost",
		"Driver communication state (1=lost, 0=ok)")
	dm.OTPWLatched = NewGauge("steppermon_driver_otpw_latched",
		"Overtemperature warning latch (1=set)")
	dm.Flag = NewGauge("steppermon_driver_flag",
		"Decoded status flags of the last poll (1=asserted)")
	dm.Events = NewCounter("steppermon_driver_events_total",
		"Monitor and configuration events by kind")

	dm.Sweeps = NewCounter("steppermon_monitor_sweeps_total",
		"Completed monitor sweeps")
	dm.SweepsSkipped = NewCounter("steppermon_monitor_sweeps_skipped_total",
		"Sweeps skipped because a command held the bus")
	dm.SweepDuration = NewHistogram("steppermon_monitor_sweep_seconds",
		"Time to poll every driver once", LatencyBuckets())
	dm.Halted = NewGauge("steppermon_monitor_halted",
		"Monitor halted at the fault ceiling (1=halted)")

	dm.Uptime = NewGauge("steppermon_uptime_seconds",
		"Seconds since the process started")
	dm.Goroutines = NewGauge("steppermon_go_goroutines",
		"Number of goroutines")
	dm.MemoryHeap = NewGauge("steppermon_go_memory_heap_bytes",
		"Go heap memory in use")
	dm.GCCycles = NewCounter("steppermon_go_gc_cycles_total",
		"Completed Go garbage collection cycles")

	dm.registry.MustRegister(
		dm.AppliedCurrent, dm.RatedCurrent, dm.FaultTicks, dm.Warnings,
		dm.CommLost, dm.OTPWLatched, dm.Flag, dm.Events,
		dm.Sweeps, dm.SweepsSkipped, dm.SweepDuration, dm.Halted,
		dm.Uptime, dm.Goroutines, dm.MemoryHeap, dm.GCCycles,
	)
	return dm
}

// Bind sets the sources sampled on every Gather. Either may be nil.
func (dm *DriverMetrics) Bind(drivers func() []*stepper.Instance, mon MonitorStats) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.drivers = drivers
	dm.monitor = mon
}

// Observe counts an event. It has the stepper.Observer signature.
func (dm *DriverMetrics) Observe(ev stepper.Event) {
	dm.Events.Inc(Labels{"axis": ev.Axis, "kind": string(ev.Kind)})
}

// ObserveSweep records the duration of one monitor sweep.
func (dm *DriverMetrics) ObserveSweep(d time.Duration) {
	dm.SweepDuration.Observe(nil, d.Seconds())
}

// SampleDrivers copies the runtime state of each instance into the gauges.
func (dm *DriverMetrics) SampleDrivers(insts []*stepper.Instance) {
	for _, inst := range insts {
		l := Labels{"axis": inst.Label()}
		st := inst.State()
		dm.AppliedCurrent.Set(l, float64(st.AppliedMilliamps))
		dm.RatedCurrent.Set(l, float64(inst.Rated))
		dm.FaultTicks.Set(l, float64(st.FaultTicks))
		dm.Warnings.Set(l, float64(st.OverTempWarnings))
		dm.CommLost.SetBool(l, st.CommLost)
		dm.OTPWLatched.SetBool(l, st.OTPWLatched)

		h := st.LastHealth
		dm.Flag.SetBool(l.With("flag", "overtemp"), h.OverTemp)
		dm.Flag.SetBool(l.With("flag", "overtemp_warning"), h.OverTempWarn)
		dm.Flag.SetBool(l.With("flag", "short_to_ground"), h.ShortToGround)
		dm.Flag.SetBool(l.With("flag", "stalled"), h.Stalled)
		dm.Flag.SetBool(l.With("flag", "open_load"), h.OpenLoad)
	}
}

// addTo raises a counter to an absolute total.
func addTo(c *Counter, total uint64) {
	if cur := c.Get(nil); total > cur {
		c.Add(nil, total-cur)
	}
}

// SampleMonitor copies the monitor statistics into the loop metrics.
func (dm *DriverMetrics) SampleMonitor(m MonitorStats) {
	ticks, skipped := m.Stats()
	addTo(dm.Sweeps, ticks)
	addTo(dm.SweepsSkipped, skipped)
	dm.Halted.SetBool(nil, m.Halted())
}

// UpdateSystemMetrics samples the Go runtime.
func (dm *DriverMetrics) UpdateSystemMetrics() {
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	dm.Uptime.Set(nil, time.Since(dm.startTime).Seconds())
	dm.Goroutines.Set(nil, float64(goruntime.NumGoroutine()))
	dm.MemoryHeap.Set(nil, float64(ms.HeapAlloc))
	addTo(dm.GCCycles, uint64(ms.NumGC))
}

// Gather samples the bound sources and renders every metric.
func (dm *DriverMetrics) Gather() string {
	dm.mu.Lock()
	drivers, mon := dm.drivers, dm.monitor
	dm.mu.Unlock()
	if drivers != nil {
		dm.SampleDrivers(drivers())
	}
	if mon != nil {
		dm.SampleMonitor(mon)
	}
	dm.UpdateSystemMetrics()
	return dm.registry.Gather()
}

// Registry returns the underlying registry.
func (dm *DriverMetrics) Registry() *Registry {
	return dm.registry
}
