// Driver health monitor
//
// Polls every configured driver on a fixed interval, keeps the warning
// and fault counters, steps the current down on sustained overtemperature
// warnings and halts once a fault persists up to the ceiling.
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package monitor

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"steppermon/pkg/driver"
	"steppermon/pkg/log"
	"steppermon/pkg/reactor"
	"steppermon/pkg/report"
	"steppermon/pkg/stepper"
)

// Config holds the monitor cadences and thresholds.
type Config struct {
	// PollInterval is the error counter cadence.
	PollInterval time.Duration
	// ReportInterval is the debug line cadence while reporting is on.
	// Zero uses PollInterval.
	ReportInterval time.Duration
	// FaultCeiling is the number of consecutive fault polls that halts.
	FaultCeiling uint8
	// WarningsBeforeStepDown is the warning count that must be exceeded
	// before the current is reduced.
	WarningsBeforeStepDown uint8
	// StepDown is the current reduction in mA. Zero disables step-down.
	StepDown int
	// StopOnError halts the machine at the fault ceiling; otherwise the
	// ceiling is only logged.
	StopOnError bool
	// CommReminderTicks is the number of polls between "still no
	// communications" lines.
	CommReminderTicks int
}

// DefaultConfig returns the firmware defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:           500 * time.Millisecond,
		FaultCeiling:           10,
		WarningsBeforeStepDown: 4,
		StepDown:               50,
		StopOnError:            true,
		CommReminderTicks:      240,
	}
}

// Tuner is the part of the configuration manager the monitor drives. Both
// methods are called with the bus lock held.
type Tuner interface {
	StepDownLocked(inst *stepper.Instance, step int) (int, error)
	RestoreLocked(inst *stepper.Instance) error
}

// Halter stops the machine.
type Halter interface {
	DriverFault(axis, msg string) error
}

// Heartbeater is fed once per poll.
type Heartbeater interface {
	Heartbeat()
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithHalter sets the halt target used at the fault ceiling.
func WithHalter(h Halter) Option {
	return func(m *Monitor) { m.halter = h }
}

// WithObserver adds an event observer.
func WithObserver(o stepper.Observer) Option {
	return func(m *Monitor) { m.observers = append(m.observers, o) }
}

// WithHeartbeat feeds hb on every completed poll.
func WithHeartbeat(hb Heartbeater) Option {
	return func(m *Monitor) { m.heartbeat = hb }
}

// WithLogger replaces the component logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithSweepTimer is called with the duration of every completed sweep.
func WithSweepTimer(fn func(time.Duration)) Option {
	return func(m *Monitor) { m.sweep = fn }
}

// WithDumpWriter sets where the full report goes before a halt. By
// default it is logged.
func WithDumpWriter(w io.Writer) Option {
	return func(m *Monitor) { m.dump = w }
}

// Monitor is the health monitor. Tick is safe to call from any goroutine;
// concurrent ticks are serialized by the bus lock.
type Monitor struct {
	cfg       Config
	set       *stepper.Set
	lock      *stepper.BusLock
	tuner     Tuner
	halter    Halter
	heartbeat Heartbeater
	observers stepper.Observers
	dump      io.Writer
	sweep     func(time.Duration)
	logger    *log.Logger
	started   time.Time

	mu          sync.Mutex
	halted      bool
	reporting   bool
	skipped     uint64
	ticks       uint64
	reactor     *reactor.Reactor
	pollTimer   *reactor.Timer
	reportTimer *reactor.Timer
}

// New creates a monitor. Zero config fields take the defaults, except
// StepDown where zero disables the step-down.
func New(cfg Config, set *stepper.Set, lock *stepper.BusLock, t Tuner, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FaultCeiling == 0 {
		cfg.FaultCeiling = def.FaultCeiling
	}
	if cfg.WarningsBeforeStepDown == 0 {
		cfg.WarningsBeforeStepDown = def.WarningsBeforeStepDown
	}
	if cfg.CommReminderTicks <= 0 {
		cfg.CommReminderTicks = def.CommReminderTicks
	}
	if cfg.StepDown < 0 {
		cfg.StepDown = 0
	}
	m := &Monitor{
		cfg:     cfg,
		set:     set,
		lock:    lock,
		tuner:   t,
		logger:  log.GetLogger("monitor"),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Halted reports whether the monitor stopped at the fault ceiling.
func (m *Monitor) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// Resume restarts polling after the machine was reset from a halt. Fault
// counters start again from zero.
func (m *Monitor) Resume() {
	m.mu.Lock()
	was := m.halted
	m.halted = false
	r, t := m.reactor, m.pollTimer
	m.mu.Unlock()
	if !was {
		return
	}
	for _, inst := range m.set.All() {
		inst.UpdateState(func(s *stepper.RuntimeState) { s.FaultTicks = 0 })
	}
	if r != nil && t != nil {
		r.UpdateTimer(t, reactor.NOW)
	}
	m.logger.Info("monitoring resumed")
}

// Stats returns the number of completed and skipped polls.
func (m *Monitor) Stats() (ticks, skipped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks, m.skipped
}

// Tick polls every driver once. It returns false when the bus was busy
// or the monitor has halted and nothing was polled.
func (m *Monitor) Tick() bool {
	if m.Halted() {
		return false
	}
	if !m.lock.TryLock() {
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
		return false
	}
	defer m.lock.Unlock()

	start := time.Now()
	if m.heartbeat != nil {
		m.heartbeat.Heartbeat()
	}
	for _, inst := range m.set.All() {
		if m.poll(inst) {
			break
		}
	}
	m.mu.Lock()
	m.ticks++
	m.mu.Unlock()
	if m.sweep != nil {
		m.sweep(time.Since(start))
	}
	return true
}

func (m *Monitor) read(inst *stepper.Instance) driver.Health {
	raw, err := inst.Chip.ReadStatus()
	if err != nil {
		return driver.Health{Family: inst.Chip.Family(), CommError: true}
	}
	return driver.Decode(inst.Chip.Family(), raw)
}

func (m *Monitor) stepSize(inst *stepper.Instance) int {
	if m.cfg.StepDown == 0 {
		return 0
	}
	if inst.StepDown > 0 {
		return inst.StepDown
	}
	return m.cfg.StepDown
}

func (m *Monitor) publish(inst *stepper.Instance, kind stepper.EventKind, h driver.Health, msg string) {
	st := inst.State()
	m.observers.Publish(stepper.Event{
		Axis:       inst.Label(),
		Kind:       kind,
		Raw:        h.Raw,
		Milliamps:  int(st.AppliedMilliamps),
		FaultTicks: st.FaultTicks,
		Message:    msg,
	})
}

// poll evaluates one driver and returns true when the machine halted.
func (m *Monitor) poll(inst *stepper.Instance) bool {
	h := m.read(inst)
	entry := m.logger.WithField("axis", inst.Label())

	if h.CommError {
		m.commLost(inst, h, entry)
		return false
	}

	var recovered, wasWarning bool
	inst.UpdateState(func(s *stepper.RuntimeState) {
		wasWarning = s.LastHealth.OverTempWarn
		s.LastHealth = h
		if s.CommLost {
			s.CommLost = false
			s.CommLostTicks = 0
			recovered = true
		}
	})
	if recovered {
		entry.Info("communications re-established .. setting all drivers to default values")
		if err := m.tuner.RestoreLocked(inst); err != nil {
			entry.WithError(err).Warn("restore after reset failed")
		}
		m.publish(inst, stepper.EventCommRecovered, h, "communications re-established")
		return false
	}

	m.thermalShutdown(inst, h, entry)
	if m.faults(inst, h, entry) {
		return true
	}
	m.warnings(inst, h, wasWarning, entry)
	return false
}

func (m *Monitor) commLost(inst *stepper.Instance, h driver.Health, entry *log.Entry) {
	var first, remind bool
	inst.UpdateState(func(s *stepper.RuntimeState) {
		s.LastHealth = h
		if !s.CommLost {
			s.CommLost = true
			s.CommLostTicks = 1
			first = true
			return
		}
		s.CommLostTicks++
		if s.CommLostTicks > m.cfg.CommReminderTicks {
			s.CommLostTicks = 1
			remind = true
		}
	})
	switch {
	case first:
		entry.Warn("communications lost")
		m.publish(inst, stepper.EventCommLost, h, "communications lost")
	case remind:
		entry.Warn("still no communications")
	}
}

// thermalShutdown handles the dSPIN case where the bridge went to high
// impedance on overtemperature. The current is stepped down by twice the
// step once per episode.
func (m *Monitor) thermalShutdown(inst *stepper.Instance, h driver.Health, entry *log.Entry) {
	if !inst.Chip.Family().IsL64XX() {
		return
	}
	shutdown := h.OverTemp || (h.HiZ && h.OverTempWarn)
	var start bool
	inst.UpdateState(func(s *stepper.RuntimeState) {
		if shutdown && !s.OverTempShutdown {
			start = true
		}
		s.OverTempShutdown = shutdown
	})
	if !start {
		return
	}
	if step := m.stepSize(inst); step > 0 {
		mA, err := m.tuner.StepDownLocked(inst, 2*step)
		if err != nil {
			entry.WithError(err).Warn("current step-down failed")
		} else {
			entry.WithField("milliamps", mA).Warnf("thermal shutdown, current decreased to %d", mA)
		}
	} else {
		entry.Warn("thermal shutdown")
	}
	m.publish(inst, stepper.EventThermalShutdown, h, "thermal shutdown")
}

// faults updates the saturating fault counter and returns true when the
// machine was halted.
func (m *Monitor) faults(inst *stepper.Instance, h driver.Health, entry *log.Entry) bool {
	fault := h.Fault(inst.Homing())
	ceiling := m.cfg.FaultCeiling
	var reached, first bool
	inst.UpdateState(func(s *stepper.RuntimeState) {
		prev := s.FaultTicks
		switch {
		case fault && s.FaultTicks < ceiling:
			s.FaultTicks++
		case !fault && s.FaultTicks > 0:
			s.FaultTicks--
		}
		first = fault && prev == 0
		reached = fault && s.FaultTicks >= ceiling && prev < ceiling
	})
	if first {
		m.publish(inst, stepper.EventFault, h, strings.Join(report.Reasons(h), ", "))
	}
	if !reached {
		return false
	}

	reasons := strings.Join(report.Reasons(h), ", ")
	entry.WithField("reasons", reasons).Errorf("driver error detected: 0x%08x", h.Raw)
	m.publish(inst, stepper.EventFaultCeiling, h, reasons)
	if !m.cfg.StopOnError {
		return false
	}

	m.dumpReport()
	m.mu.Lock()
	m.halted = true
	m.mu.Unlock()
	if m.halter != nil {
		msg := fmt.Sprintf("driver error detected: 0x%08x (%s)", h.Raw, reasons)
		if err := m.halter.DriverFault(inst.Label(), msg); err != nil {
			entry.WithError(err).Error("halt failed")
		}
	}
	return true
}

// dumpReport writes the full report. The bus lock is already held.
func (m *Monitor) dumpReport() {
	insts := m.set.All()
	if m.dump != nil {
		if err := report.Write(m.dump, insts); err != nil {
			m.logger.WithError(err).Warn("driver report failed")
		}
		return
	}
	var buf bytes.Buffer
	if err := report.Write(&buf, insts); err != nil {
		m.logger.WithError(err).Warn("driver report failed")
		return
	}
	m.logger.Error("driver report before halt:\n" + buf.String())
}

// warnings runs the step-down hysteresis. The warning line is logged on
// the first poll of each warning episode.
func (m *Monitor) warnings(inst *stepper.Instance, h driver.Health, wasWarning bool, entry *log.Entry) {
	var (
		firstWarn bool
		stepDown  bool
		mA        int
	)
	step := m.stepSize(inst)
	inst.UpdateState(func(s *stepper.RuntimeState) {
		if !h.OverTempWarn {
			s.OverTempWarnings = 0
			return
		}
		if s.OverTempWarnings < 0xFF {
			s.OverTempWarnings++
		}
		s.OTPWLatched = true
		firstWarn = !wasWarning
		mA = int(s.AppliedMilliamps)
		if s.OverTempWarnings > m.cfg.WarningsBeforeStepDown && step > 0 {
			s.OverTempWarnings = 0
			stepDown = true
		}
	})

	if firstWarn {
		entry.WithField("elapsed", time.Since(m.started).Truncate(time.Millisecond).String()).
			Warnf("%s driver overtemperature warning! (%dmA)", inst.Label(), mA)
		m.publish(inst, stepper.EventOverTempWarning, h, "overtemperature warning")
	}
	if !stepDown || !inst.Chip.Enabled() {
		return
	}
	newMA, err := m.tuner.StepDownLocked(inst, step)
	if err != nil {
		entry.WithError(err).Warn("current step-down failed")
		return
	}
	entry.WithField("milliamps", newMA).Infof("current decreased to %d", newMA)
	m.publish(inst, stepper.EventCurrentReduced, h, fmt.Sprintf("current decreased to %d", newMA))
}

// ReportLine reads every driver and returns the debug line. It returns
// false when the bus is busy.
func (m *Monitor) ReportLine() (string, bool) {
	if !m.lock.TryLock() {
		return "", false
	}
	defer m.lock.Unlock()
	return report.DebugLine(m.set.All()), true
}

// Start registers the poll and report timers on r.
func (m *Monitor) Start(r *reactor.Reactor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollTimer != nil {
		return
	}
	m.reactor = r
	m.pollTimer = r.RegisterTimer(m.pollCallback, reactor.NOW)
	wake := reactor.NEVER
	if m.reporting {
		wake = reactor.NOW
	}
	m.reportTimer = r.RegisterTimer(m.reportCallback, wake)
	m.logger.Info("monitoring %d drivers every %s", m.set.Len(), m.cfg.PollInterval)
}

// Stop unregisters the timers.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactor == nil {
		return
	}
	m.reactor.UnregisterTimer(m.pollTimer)
	m.reactor.UnregisterTimer(m.reportTimer)
	m.pollTimer, m.reportTimer, m.reactor = nil, nil, nil
}

func (m *Monitor) pollCallback(eventtime float64) float64 {
	m.Tick()
	if m.Halted() {
		return reactor.NEVER
	}
	return eventtime + m.cfg.PollInterval.Seconds()
}

func (m *Monitor) reportInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.ReportInterval > 0 {
		return m.cfg.ReportInterval
	}
	return m.cfg.PollInterval
}

func (m *Monitor) reportCallback(eventtime float64) float64 {
	m.mu.Lock()
	on := m.reporting
	m.mu.Unlock()
	if !on {
		return reactor.NEVER
	}
	if line, ok := m.ReportLine(); ok {
		m.logger.Info(line)
	}
	return eventtime + m.reportInterval().Seconds()
}

// SetReporting turns the periodic debug line on or off.
func (m *Monitor) SetReporting(on bool) {
	m.mu.Lock()
	m.reporting = on
	r, timer := m.reactor, m.reportTimer
	m.mu.Unlock()
	if on {
		m.logger.Info(report.DebugHeader)
	}
	if r == nil || timer == nil {
		return
	}
	if on {
		r.UpdateTimer(timer, reactor.NOW)
	} else {
		r.UpdateTimer(timer, reactor.NEVER)
	}
}

// Reporting reports whether the debug line is on.
func (m *Monitor) Reporting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reporting
}

// SetReportInterval changes the debug line cadence.
func (m *Monitor) SetReportInterval(d time.Duration) {
	m.mu.Lock()
	m.cfg.ReportInterval = d
	m.mu.Unlock()
}
