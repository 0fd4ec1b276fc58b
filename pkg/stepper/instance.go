package stepper

import (
	"sync"

	"steppermon/pkg/driver"
)

// RuntimeState holds the counters behind the monitor's hysteresis.
type RuntimeState struct {
	// OverTempWarnings counts consecutive warning polls and drives the
	// current step-down.
	OverTempWarnings uint8
	// FaultTicks is the saturating fault counter checked against the
	// fault ceiling.
	FaultTicks uint8
	// OTPWLatched stays set until the operator clears it.
	OTPWLatched bool
	// AppliedMilliamps is the last current written by the monitor or an
	// operator command.
	AppliedMilliamps uint16

	CommLost         bool
	CommLostTicks    int
	OverTempShutdown bool // dSPIN thermal shutdown episode in progress
	LastHealth       driver.Health
}

// StoredConfig is the persisted operator configuration of one driver.
type StoredConfig struct {
	StealthChop       bool                 `cbor:"1,keyasint" json:"stealthchop" yaml:"stealthchop"`
	HybridThreshold   uint32               `cbor:"2,keyasint" json:"hybrid_threshold" yaml:"hybrid_threshold"`
	HomingSensitivity int16                `cbor:"3,keyasint" json:"homing_sensitivity" yaml:"homing_sensitivity"`
	Chopper           driver.ChopperTiming `cbor:"4,keyasint" json:"chopper" yaml:"chopper"`
}

// Motion carries the kinematic values needed for unit conversions.
type Motion struct {
	Microsteps  int
	StepsPerMM  uint32
	Interpolate bool
}

// Instance is one driver chip attached to an axis slot.
type Instance struct {
	Axis       Axis
	Chip       *driver.Chip
	Rated      int // operator ceiling in mA
	Connection string
	Motion     Motion
	// StepDown overrides the monitor's step-down size in mA when > 0.
	StepDown int

	mu       sync.Mutex
	state    RuntimeState
	stored   StoredConfig
	defaults StoredConfig
	initial  int // power-on current in mA
	homing   bool
	stealth  bool // chopper mode saved while homing
}

// NewInstance creates an instance whose stored configuration starts at
// defaults.
func NewInstance(axis Axis, chip *driver.Chip, rated, initialMilliamps int, motion Motion, defaults StoredConfig) *Instance {
	return &Instance{
		Axis:     axis,
		Chip:     chip,
		Rated:    rated,
		Motion:   motion,
		stored:   defaults,
		defaults: defaults,
		initial:  initialMilliamps,
		state:    RuntimeState{AppliedMilliamps: uint16(initialMilliamps)},
	}
}

// Label is the axis label used in reports.
func (i *Instance) Label() string { return i.Axis.String() }

// State returns a copy of the runtime state.
func (i *Instance) State() RuntimeState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// UpdateState mutates the runtime state under the instance lock.
func (i *Instance) UpdateState(fn func(*RuntimeState)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn(&i.state)
}

// Stored returns a copy of the stored configuration.
func (i *Instance) Stored() StoredConfig {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stored
}

// UpdateStored mutates the stored configuration under the instance lock.
func (i *Instance) UpdateStored(fn func(*StoredConfig)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn(&i.stored)
}

// Defaults returns the configuration loaded from the machine config.
func (i *Instance) Defaults() StoredConfig {
	return i.defaults
}

// InitialMilliamps returns the configured power-on current.
func (i *Instance) InitialMilliamps() int {
	return i.initial
}

// Homing reports whether sensorless homing is active.
func (i *Instance) Homing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.homing
}

// SetHoming records the sensorless homing state and the chopper mode to
// restore when it ends.
func (i *Instance) SetHoming(on, savedStealth bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.homing = on
	if on {
		i.stealth = savedStealth
	}
}

// SavedStealth returns the chopper mode saved by SetHoming.
func (i *Instance) SavedStealth() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stealth
}
