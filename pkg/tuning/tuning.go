// Configuration manager
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package tuning applies operator settings to driver chips and re-applies
// the stored configuration after a chip reset.
package tuning

import (
	"steppermon/pkg/driver"
	derrors "steppermon/pkg/errors"
	"steppermon/pkg/log"
	"steppermon/pkg/stepper"
)

// DefaultCurrentFloor is the lowest current a driver may be set to, in mA.
const DefaultCurrentFloor = 50

// Operational gates commands once the monitor has halted.
type Operational interface {
	CheckOperational() error
}

// Manager is the configuration manager. Public setters hold the bus lock
// for the whole transaction; the Locked variants expect the caller to
// hold it already.
type Manager struct {
	set       *stepper.Set
	lock      *stepper.BusLock
	floor     int
	gate      Operational
	observers stepper.Observers
	logger    *log.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCurrentFloor changes the minimum current.
func WithCurrentFloor(mA int) Option {
	return func(m *Manager) {
		if mA > 0 {
			m.floor = mA
		}
	}
}

// WithGate rejects commands while gate reports an error.
func WithGate(g Operational) Option {
	return func(m *Manager) { m.gate = g }
}

// WithObserver adds an event observer.
func WithObserver(o stepper.Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// New creates a Manager over the configured instances.
func New(set *stepper.Set, lock *stepper.BusLock, opts ...Option) *Manager {
	m := &Manager{
		set:    set,
		lock:   lock,
		floor:  DefaultCurrentFloor,
		logger: log.GetLogger("tuning"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CurrentFloor returns the minimum current in mA.
func (m *Manager) CurrentFloor() int { return m.floor }

// instance resolves an axis and checks the halt gate.
func (m *Manager) instance(a stepper.Axis) (*stepper.Instance, error) {
	if m.gate != nil {
		if err := m.gate.CheckOperational(); err != nil {
			return nil, err
		}
	}
	return m.set.Get(a)
}

func (m *Manager) changed(inst *stepper.Instance, msg string, mA int) {
	m.observers.Publish(stepper.Event{
		Axis:      inst.Label(),
		Kind:      stepper.EventConfigChanged,
		Milliamps: mA,
		Message:   msg,
	})
}

// CheckCurrent validates a run current for an axis without writing it.
func (m *Manager) CheckCurrent(a stepper.Axis, mA int) error {
	inst, err := m.instance(a)
	if err != nil {
		return err
	}
	if mA < m.floor || mA > inst.Rated {
		return derrors.RangeError("current", mA, m.floor, inst.Rated).SetAxis(inst.Label())
	}
	return nil
}

// SetCurrent sets the run current. Values outside [floor, rated] are
// rejected without touching the chip.
func (m *Manager) SetCurrent(a stepper.Axis, mA int) (int, error) {
	if err := m.CheckCurrent(a, mA); err != nil {
		return 0, err
	}
	inst, err := m.set.Get(a)
	if err != nil {
		return 0, err
	}
	err = m.lock.Do(func() error { return m.setCurrentLocked(inst, mA) })
	if err != nil {
		return 0, err
	}
	m.changed(inst, "current", mA)
	return mA, nil
}

func (m *Manager) setCurrentLocked(inst *stepper.Instance, mA int) error {
	if err := inst.Chip.SetMilliamps(mA); err != nil {
		return err
	}
	inst.UpdateState(func(s *stepper.RuntimeState) { s.AppliedMilliamps = uint16(mA) })
	return nil
}

// Current returns the applied current and the current encoded in the
// registers.
func (m *Manager) Current(a stepper.Axis) (applied, rms int, err error) {
	inst, err := m.set.Get(a)
	if err != nil {
		return 0, 0, err
	}
	return int(inst.State().AppliedMilliamps), inst.Chip.RMSCurrent(), nil
}

// StepDownLocked lowers the applied current by step, never below the
// floor, and returns the new value.
func (m *Manager) StepDownLocked(inst *stepper.Instance, step int) (int, error) {
	mA := int(inst.State().AppliedMilliamps) - step
	if mA < m.floor {
		mA = m.floor
	}
	if err := m.setCurrentLocked(inst, mA); err != nil {
		return int(inst.State().AppliedMilliamps), err
	}
	return mA, nil
}

// SetStealthChop switches between StealthChop and SpreadCycle.
func (m *Manager) SetStealthChop(a stepper.Axis, on bool) error {
	inst, err := m.instance(a)
	if err != nil {
		return err
	}
	if !inst.Chip.Model().HasStealthChop() {
		return derrors.UnsupportedError(string(inst.Chip.Model()), "stealthChop").SetAxis(inst.Label())
	}
	err = m.lock.Do(func() error { return inst.Chip.SetStealthChop(on) })
	if err != nil {
		return err
	}
	inst.UpdateStored(func(c *stepper.StoredConfig) { c.StealthChop = on })
	m.changed(inst, "stealthchop", 0)
	return nil
}

// StealthChop reports the chip's chopper mode.
func (m *Manager) StealthChop(a stepper.Axis) (bool, error) {
	inst, err := m.set.Get(a)
	if err != nil {
		return false, err
	}
	return inst.Chip.StealthChop(), nil
}

// CheckHybridThreshold validates a hybrid threshold in mm/s for an axis.
func (m *Manager) CheckHybridThreshold(a stepper.Axis, mmps int) error {
	inst, err := m.instance(a)
	if err != nil {
		return err
	}
	if !inst.Chip.Model().HasStealthChop() {
		return derrors.UnsupportedError(string(inst.Chip.Model()), "hybrid threshold").SetAxis(inst.Label())
	}
	if mmps < 0 {
		return derrors.RangeError("hybrid threshold", mmps, 0, "max").SetAxis(inst.Label())
	}
	if mmps > 0 && inst.Motion.StepsPerMM == 0 {
		return derrors.ConfigValidationError("stepper_driver "+inst.Label(), "steps_per_mm", "must be set for hybrid threshold")
	}
	return nil
}

// SetHybridThreshold sets the StealthChop to SpreadCycle switch-over speed
// in mm/s and returns the TPWMTHRS value written. Zero disables it.
func (m *Manager) SetHybridThreshold(a stepper.Axis, mmps uint32) (uint32, error) {
	if err := m.CheckHybridThreshold(a, int(mmps)); err != nil {
		return 0, err
	}
	inst, err := m.set.Get(a)
	if err != nil {
		return 0, err
	}
	reg := driver.ThresholdToTPWMTHRS(mmps, inst.Motion.Microsteps, inst.Motion.StepsPerMM)
	err = m.lock.Do(func() error { return inst.Chip.SetTPWMTHRS(reg) })
	if err != nil {
		return 0, err
	}
	inst.UpdateStored(func(c *stepper.StoredConfig) { c.HybridThreshold = mmps })
	m.changed(inst, "hybrid_threshold", 0)
	return reg, nil
}

// HybridThreshold converts the chip's TPWMTHRS back to mm/s.
func (m *Manager) HybridThreshold(a stepper.Axis) (uint32, error) {
	inst, err := m.set.Get(a)
	if err != nil {
		return 0, err
	}
	return driver.TPWMTHRSToThreshold(inst.Chip.TPWMTHRS(), inst.Motion.Microsteps, inst.Motion.StepsPerMM), nil
}

// CheckHomingSensitivity reports whether the axis supports a stall
// threshold. Values are clamped, never rejected.
func (m *Manager) CheckHomingSensitivity(a stepper.Axis) error {
	inst, err := m.instance(a)
	if err != nil {
		return err
	}
	if _, _, ok := inst.Chip.Model().SensitivityRange(); !ok {
		return derrors.UnsupportedError(string(inst.Chip.Model()), "homing sensitivity").SetAxis(inst.Label())
	}
	return nil
}

// SetHomingSensitivity clamps v to the model's stall threshold range,
// writes it and returns the value applied.
func (m *Manager) SetHomingSensitivity(a stepper.Axis, v int) (int, error) {
	if err := m.CheckHomingSensitivity(a); err != nil {
		return 0, err
	}
	inst, err := m.set.Get(a)
	if err != nil {
		return 0, err
	}
	lo, hi, _ := inst.Chip.Model().SensitivityRange()
	v = clamp(v, lo, hi)
	err = m.lock.Do(func() error { return inst.Chip.SetSensitivity(v) })
	if err != nil {
		return 0, err
	}
	inst.UpdateStored(func(c *stepper.StoredConfig) { c.HomingSensitivity = int16(v) })
	m.changed(inst, "homing_sensitivity", 0)
	return v, nil
}

// HomingSensitivity returns the stall threshold programmed in the chip.
func (m *Manager) HomingSensitivity(a stepper.Axis) (int, error) {
	inst, err := m.set.Get(a)
	if err != nil {
		return 0, err
	}
	return inst.Chip.Sensitivity()
}

// CheckChopperTiming validates chopper timing for an axis.
func (m *Manager) CheckChopperTiming(a stepper.Axis, ct driver.ChopperTiming) error {
	inst, err := m.instance(a)
	if err != nil {
		return err
	}
	if !inst.Chip.Model().HasChopperTiming() {
		return derrors.UnsupportedError(string(inst.Chip.Model()), "chopper timing").SetAxis(inst.Label())
	}
	if err := ct.Validate(); err != nil {
		if de, ok := err.(*derrors.DriverError); ok {
			de.SetAxis(inst.Label())
		}
		return err
	}
	return nil
}

// SetChopperTiming validates and writes off time and hysteresis.
func (m *Manager) SetChopperTiming(a stepper.Axis, ct driver.ChopperTiming) error {
	if err := m.CheckChopperTiming(a, ct); err != nil {
		return err
	}
	inst, err := m.set.Get(a)
	if err != nil {
		return err
	}
	err = m.lock.Do(func() error { return inst.Chip.SetChopper(ct) })
	if err != nil {
		return err
	}
	inst.UpdateStored(func(c *stepper.StoredConfig) { c.Chopper = ct })
	m.changed(inst, "chopper", 0)
	return nil
}

// ChopperTiming returns the chip's chopper timing.
func (m *Manager) ChopperTiming(a stepper.Axis) (driver.ChopperTiming, error) {
	inst, err := m.set.Get(a)
	if err != nil {
		return driver.ChopperTiming{}, err
	}
	return inst.Chip.Chopper(), nil
}

// CheckBlankTime validates a comparator blank time for an axis.
func (m *Manager) CheckBlankTime(a stepper.Axis, tbl int) error {
	inst, err := m.instance(a)
	if err != nil {
		return err
	}
	if !inst.Chip.Family().IsTMC() {
		return derrors.UnsupportedError(string(inst.Chip.Model()), "blank time").SetAxis(inst.Label())
	}
	if tbl < 0 || tbl > 3 {
		return derrors.RangeError("tbl", tbl, 0, 3).SetAxis(inst.Label())
	}
	return nil
}

// SetBlankTime writes the comparator blank time (0..3). It is not part
// of the stored configuration.
func (m *Manager) SetBlankTime(a stepper.Axis, tbl int) error {
	if err := m.CheckBlankTime(a, tbl); err != nil {
		return err
	}
	inst, err := m.set.Get(a)
	if err != nil {
		return err
	}
	return m.lock.Do(func() error { return inst.Chip.SetBlankTime(tbl) })
}

// BlankTime reads the comparator blank time.
func (m *Manager) BlankTime(a stepper.Axis) (int, error) {
	inst, err := m.set.Get(a)
	if err != nil {
		return 0, err
	}
	return inst.Chip.BlankTime(), nil
}

// OverTempLatched reports the sticky overtemperature warning flag.
func (m *Manager) OverTempLatched(a stepper.Axis) (bool, error) {
	inst, err := m.set.Get(a)
	if err != nil {
		return false, err
	}
	return inst.State().OTPWLatched, nil
}

// ClearOverTempLatch clears the sticky overtemperature warning flag. The
// warning counter is left alone.
func (m *Manager) ClearOverTempLatch(a stepper.Axis) error {
	inst, err := m.set.Get(a)
	if err != nil {
		return err
	}
	inst.UpdateState(func(s *stepper.RuntimeState) { s.OTPWLatched = false })
	m.observers.Publish(stepper.Event{Axis: inst.Label(), Kind: stepper.EventLatchCleared})
	return nil
}

// EnableSensorless prepares the driver for stall homing. While active the
// monitor ignores its stall flag.
func (m *Manager) EnableSensorless(a stepper.Axis) error {
	inst, err := m.instance(a)
	if err != nil {
		return err
	}
	if inst.Homing() {
		return nil
	}
	return m.lock.Do(func() error {
		prev, err := inst.Chip.EnableSensorless()
		if err != nil {
			return err
		}
		inst.SetHoming(true, prev)
		return nil
	})
}

// DisableSensorless restores the chopper mode saved by EnableSensorless.
func (m *Manager) DisableSensorless(a stepper.Axis) error {
	inst, err := m.set.Get(a)
	if err != nil {
		return err
	}
	if !inst.Homing() {
		return nil
	}
	return m.lock.Do(func() error {
		if err := inst.Chip.DisableSensorless(inst.SavedStealth()); err != nil {
			return err
		}
		inst.SetHoming(false, false)
		return nil
	})
}

// RestoreAfterReset reprograms the chip from its stored configuration and
// applied current.
func (m *Manager) RestoreAfterReset(a stepper.Axis) error {
	inst, err := m.set.Get(a)
	if err != nil {
		return err
	}
	return m.lock.Do(func() error { return m.RestoreLocked(inst) })
}

// RestoreLocked runs the chip init sequence with the stored configuration
// and then the stall threshold. The writes depend only on the stored
// configuration and the applied current.
func (m *Manager) RestoreLocked(inst *stepper.Instance) error {
	stored := inst.Stored()
	settings := InitSettings(inst, stored, int(inst.State().AppliedMilliamps))
	if err := inst.Chip.Init(settings); err != nil {
		return err
	}
	if lo, hi, ok := inst.Chip.Model().SensitivityRange(); ok {
		if err := inst.Chip.SetSensitivity(clamp(int(stored.HomingSensitivity), lo, hi)); err != nil {
			return err
		}
	}
	m.logger.WithField("axis", inst.Label()).Debug("driver configuration restored")
	return nil
}

// Apply replaces the stored configuration and applied current of every
// instance, then restores each chip. M501 and M502 use it.
func (m *Manager) Apply(configs map[stepper.Axis]StoredState) error {
	for _, inst := range m.set.All() {
		st, ok := configs[inst.Axis]
		if !ok {
			continue
		}
		mA := st.Milliamps
		if mA == 0 {
			mA = int(inst.State().AppliedMilliamps)
		}
		mA = clamp(mA, m.floor, inst.Rated)
		inst.UpdateStored(func(c *stepper.StoredConfig) { *c = st.Config })
		inst.UpdateState(func(s *stepper.RuntimeState) { s.AppliedMilliamps = uint16(mA) })
		if err := m.RestoreAfterReset(inst.Axis); err != nil {
			return err
		}
		m.changed(inst, "restored", mA)
	}
	return nil
}

// Defaults returns the machine config values for every instance.
func (m *Manager) Defaults() map[stepper.Axis]StoredState {
	out := make(map[stepper.Axis]StoredState)
	for _, inst := range m.set.All() {
		out[inst.Axis] = StoredState{Config: inst.Defaults(), Milliamps: inst.InitialMilliamps()}
	}
	return out
}

// Snapshot returns the stored configuration and applied current of every
// instance. M500 saves it.
func (m *Manager) Snapshot() map[stepper.Axis]StoredState {
	out := make(map[stepper.Axis]StoredState)
	for _, inst := range m.set.All() {
		out[inst.Axis] = StoredState{Config: inst.Stored(), Milliamps: int(inst.State().AppliedMilliamps)}
	}
	return out
}

// StoredState is one axis' persisted settings.
type StoredState struct {
	Config    stepper.StoredConfig `cbor:"1,keyasint" json:"config" yaml:"config"`
	Milliamps int                  `cbor:"2,keyasint" json:"milliamps" yaml:"milliamps"`
}

// InitSettings builds the chip init parameters from a stored
// configuration.
func InitSettings(inst *stepper.Instance, stored stepper.StoredConfig, mA int) driver.InitSettings {
	s := driver.InitSettings{
		Milliamps:   mA,
		Microsteps:  inst.Motion.Microsteps,
		Interpolate: inst.Motion.Interpolate,
		Chopper:     stored.Chopper,
	}
	if inst.Chip.Model().HasStealthChop() {
		s.StealthChop = stored.StealthChop
		s.TPWMTHRS = driver.ThresholdToTPWMTHRS(stored.HybridThreshold, inst.Motion.Microsteps, inst.Motion.StepsPerMM)
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
