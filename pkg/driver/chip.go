// Register accessor for one stepper driver chip
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package driver

import (
	"sort"
	"sync"

	derrors "steppermon/pkg/errors"
)

// Bus moves register values to and from one chip.
type Bus interface {
	Read(reg uint8) (uint32, error)
	Write(reg uint8, val uint32) error
}

// StatusReader is implemented by buses with a dedicated status command.
type StatusReader interface {
	ReadStatus() (uint32, error)
}

// Commander is implemented by buses that can send bare dSPIN commands.
type Commander interface {
	Command(cmd uint8) error
}

// EnableSensor reports the level of a driver enable line.
type EnableSensor interface {
	Enabled() bool
}

// Accessor is the capability the health monitor needs from a chip.
type Accessor interface {
	ReadStatus() (uint32, error)
	ReadParam(reg uint8) (uint32, error)
	WriteParam(reg uint8, val uint32) error
	Milliamps() int
	Enabled() bool
}

// ChopperTiming holds the operator-visible chopper parameters.
type ChopperTiming struct {
	Toff  int `json:"toff" yaml:"toff"`
	Hend  int `json:"hend" yaml:"hend"`
	Hstrt int `json:"hstrt" yaml:"hstrt"`
}

// Validate checks the ranges accepted by the CHOPCONF encoding.
func (ct ChopperTiming) Validate() error {
	if ct.Toff < 1 || ct.Toff > 15 {
		return derrors.RangeError("toff", ct.Toff, 1, 15)
	}
	if ct.Hend < -3 || ct.Hend > 12 {
		return derrors.RangeError("hend", ct.Hend, -3, 12)
	}
	if ct.Hstrt < 1 || ct.Hstrt > 8 {
		return derrors.RangeError("hstrt", ct.Hstrt, 1, 8)
	}
	return nil
}

// Config describes a chip at creation time.
type Config struct {
	Model          Model
	SenseResistor  float64
	HoldMultiplier float64
	PerCount       float64 // dSPIN milliamps per register count
	Enable         EnableSensor
}

// Chip is the register accessor for one driver. It keeps a shadow of
// every register written so that write-only chips can be reported and
// read-modify-write works without extra bus traffic.
type Chip struct {
	model   Model
	family  Family
	bus     Bus
	regs    *registerMap
	fields  *FieldHelper
	names   map[uint8]string
	current CurrentModel
	cfg     Config

	mu         sync.Mutex
	milliamps  int
	lastStatus uint32
}

// Compile-time check
var _ Accessor = (*Chip)(nil)

// NewChip creates a chip on a bus.
func NewChip(bus Bus, cfg Config) (*Chip, error) {
	fam, ok := modelFamilies[cfg.Model]
	if !ok {
		return nil, derrors.Newf(derrors.ErrConfigValidation, "unknown driver model %q", cfg.Model)
	}
	switch {
	case cfg.HoldMultiplier == 0:
		cfg.HoldMultiplier = 0.5
	case cfg.HoldMultiplier < 0 || cfg.HoldMultiplier > 1:
		return nil, derrors.Newf(derrors.ErrConfigValidation,
			"hold_multiplier %g out of range (0, 1]", cfg.HoldMultiplier)
	}
	switch {
	case cfg.SenseResistor == 0:
		cfg.SenseResistor = 0.11
	case cfg.SenseResistor < 0:
		return nil, derrors.Newf(derrors.ErrConfigValidation,
			"sense_resistor %g must be positive", cfg.SenseResistor)
	}
	rm := registerMaps[fam]
	c := &Chip{
		model:  cfg.Model,
		family: fam,
		bus:    bus,
		regs:   rm,
		fields: NewFieldHelper(rm.fields, rm.signed, nil),
		names:  make(map[uint8]string, len(rm.addrs)),
		cfg:    cfg,
	}
	for name, addr := range rm.addrs {
		c.names[addr] = name
	}
	if fam.IsTMC() {
		c.current = NewSenseCurrent(fam, cfg.SenseResistor)
	} else {
		c.current = NewLinearCurrent(fam, cfg.PerCount)
	}
	return c, nil
}

func (c *Chip) Model() Model { return c.model }

func (c *Chip) Family() Family { return c.family }

func (c *Chip) Fields() *FieldHelper { return c.fields }

func (c *Chip) Current() CurrentModel { return c.current }

func (c *Chip) unsupported(op string) error {
	return derrors.UnsupportedError(c.model.Label(), op)
}

// ReadStatus reads the status word polled by the monitor.
func (c *Chip) ReadStatus() (uint32, error) {
	var (
		v   uint32
		err error
	)
	if sr, ok := c.bus.(StatusReader); ok {
		v, err = sr.ReadStatus()
	} else {
		v, err = c.bus.Read(StatusRegister(c.family))
	}
	if err != nil {
		return 0, derrors.CommError(err, "read status")
	}
	c.mu.Lock()
	c.lastStatus = v
	switch {
	case c.family == FamilyTMC2660:
		c.fields.Registers["READRSP"] = v
	default:
		c.fields.Registers[c.regs.status] = v
	}
	c.mu.Unlock()
	return v, nil
}

// LastStatus returns the word seen by the latest ReadStatus.
func (c *Chip) LastStatus() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

// ReadParam reads a register by address. Write-only chips answer from
// the shadow copy.
func (c *Chip) ReadParam(reg uint8) (uint32, error) {
	name, known := c.names[reg]
	if c.regs.writeOnly && known {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.fields.Registers[name], nil
	}
	v, err := c.bus.Read(reg)
	if err != nil {
		return 0, derrors.CommError(err, "read register")
	}
	if known {
		c.mu.Lock()
		c.fields.Registers[name] = v
		c.mu.Unlock()
	}
	return v, nil
}

// WriteParam writes a register by address and updates the shadow.
func (c *Chip) WriteParam(reg uint8, val uint32) error {
	if err := c.bus.Write(reg, val); err != nil {
		return derrors.CommError(err, "write register")
	}
	if name, ok := c.names[reg]; ok {
		c.mu.Lock()
		c.fields.Registers[name] = val
		c.mu.Unlock()
	}
	return nil
}

// ReadRegister reads a register by name.
func (c *Chip) ReadRegister(name string) (uint32, error) {
	addr, ok := c.regs.addrs[name]
	if !ok {
		return 0, derrors.Newf(derrors.ErrUnsupported, "%s has no register %s", c.model.Label(), name)
	}
	return c.ReadParam(addr)
}

// WriteRegister writes a register by name.
func (c *Chip) WriteRegister(name string, val uint32) error {
	addr, ok := c.regs.addrs[name]
	if !ok {
		return derrors.Newf(derrors.ErrUnsupported, "%s has no register %s", c.model.Label(), name)
	}
	return c.WriteParam(addr, val)
}

// Get returns a field from the shadow registers.
func (c *Chip) Get(field string) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields.GetField(field, nil, "")
}

// Set performs a read-modify-write of one field against the shadow and
// pushes the whole register.
func (c *Chip) Set(field string, val int32) error {
	reg, ok := c.fields.LookupRegister(field)
	if !ok {
		return derrors.Newf(derrors.ErrUnsupported, "%s has no field %s", c.model.Label(), field)
	}
	c.mu.Lock()
	old := c.fields.Registers[reg]
	nv := c.fields.SetField(field, val, &old, reg)
	c.fields.Registers[reg] = old
	c.mu.Unlock()
	return c.WriteRegister(reg, nv)
}

type fieldValue struct {
	name string
	val  int32
}

// setFields writes several fields of one register in a single transfer.
func (c *Chip) setFields(reg string, fvs ...fieldValue) error {
	c.mu.Lock()
	v := c.fields.Registers[reg]
	old := v
	for _, fv := range fvs {
		v = c.fields.SetField(fv.name, fv.val, &v, reg)
	}
	c.fields.Registers[reg] = old
	c.mu.Unlock()
	return c.WriteRegister(reg, v)
}

// Shadow returns the shadow value of a register.
func (c *Chip) Shadow(name string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields.Registers[name]
}

// Milliamps returns the last requested current. It is kept apart from the
// register encoding so a step-down is exact in milliamps.
func (c *Chip) Milliamps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.milliamps
}

// SetMilliamps converts mA to the family encoding and writes it.
func (c *Chip) SetMilliamps(mA int) error {
	cs, vsense := c.current.Counts(mA)
	var err error
	switch c.family {
	case FamilyTMC2130, FamilyTMC220x:
		if err = c.Set("vsense", b2i(vsense)); err != nil {
			return err
		}
		err = c.setFields("IHOLD_IRUN",
			fieldValue{"irun", int32(cs)},
			fieldValue{"ihold", int32(float64(cs) * c.cfg.HoldMultiplier)})
	case FamilyTMC2660:
		if err = c.Set("vsense", b2i(vsense)); err != nil {
			return err
		}
		err = c.Set("cs", int32(cs))
	case FamilyL6474:
		err = c.Set("tval", int32(cs))
	default:
		err = c.Set("kval_hold", int32(cs))
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.milliamps = mA
	c.mu.Unlock()
	return nil
}

// CurrentScale returns the run and hold register counts.
func (c *Chip) CurrentScale() (run, hold int) {
	switch c.family {
	case FamilyTMC2130, FamilyTMC220x:
		return int(c.Get("irun")), int(c.Get("ihold"))
	case FamilyTMC2660:
		cs := int(c.Get("cs"))
		return cs, cs
	case FamilyL6474:
		t := int(c.Get("tval"))
		return t, t
	}
	return int(c.Get("kval_run")), int(c.Get("kval_hold"))
}

// VSense reports the sense range bit for TMC chips.
func (c *Chip) VSense() bool {
	if !c.family.IsTMC() {
		return false
	}
	return c.Get("vsense") != 0
}

// RMSCurrent returns the current encoded in the registers, in mA.
func (c *Chip) RMSCurrent() int {
	run, _ := c.CurrentScale()
	return c.current.Milliamps(run, c.VSense())
}

// Enabled reports whether the power stage is on. The enable line is
// used when wired; otherwise the chip's own view, with the enable input
// read from the chip. The caller holds the bus.
func (c *Chip) Enabled() bool {
	if c.cfg.Enable != nil {
		return c.cfg.Enable.Enabled()
	}
	switch c.family {
	case FamilyTMC2130, FamilyTMC220x:
		if _, err := c.ReadRegister("IOIN"); err != nil {
			return false
		}
		enn := "drv_enn_cfg6"
		if c.family == FamilyTMC220x {
			enn = "enn"
		}
		return c.Get(enn) == 0 && c.Get("toff") > 0
	case FamilyTMC2660:
		return c.Get("toff") > 0
	}
	return !Decode(c.family, c.LastStatus()).HiZ
}

// Microsteps returns the configured microstep resolution.
func (c *Chip) Microsteps() int {
	if c.family.IsL64XX() {
		return 1 << uint(c.Get("step_sel"))
	}
	return MicrostepsFromMRES(int(c.Get("mres")))
}

// SetMicrosteps writes the microstep resolution.
func (c *Chip) SetMicrosteps(ms int) error {
	if c.family.IsL64XX() {
		for sel := 0; sel < 8; sel++ {
			if 1<<uint(sel) == ms {
				return c.Set("step_sel", int32(sel))
			}
		}
		return derrors.RangeError("microsteps", ms, 1, 128)
	}
	mres, err := GetMRES(ms)
	if err != nil {
		return derrors.Wrap(err, derrors.ErrRange, "microsteps")
	}
	return c.Set("mres", int32(mres))
}

// StealthChop reports the stored chopper mode.
func (c *Chip) StealthChop() bool {
	switch c.family {
	case FamilyTMC2130:
		return c.Get("en_pwm_mode") != 0
	case FamilyTMC220x:
		return c.Get("en_spreadcycle") == 0
	}
	return false
}

// SetStealthChop selects StealthChop or SpreadCycle.
func (c *Chip) SetStealthChop(on bool) error {
	switch c.family {
	case FamilyTMC2130:
		return c.Set("en_pwm_mode", b2i(on))
	case FamilyTMC220x:
		return c.Set("en_spreadcycle", b2i(!on))
	}
	return c.unsupported("stealthChop")
}

// TPWMTHRS returns the hybrid threshold register.
func (c *Chip) TPWMTHRS() uint32 {
	if !c.model.HasStealthChop() {
		return 0
	}
	return uint32(c.Get("tpwmthrs"))
}

// SetTPWMTHRS writes the hybrid threshold register.
func (c *Chip) SetTPWMTHRS(v uint32) error {
	if !c.model.HasStealthChop() {
		return c.unsupported("hybrid threshold")
	}
	return c.Set("tpwmthrs", int32(v&0xFFFFF))
}

// Sensitivity returns the stall detection threshold.
func (c *Chip) Sensitivity() (int, error) {
	field, err := c.sensitivityField()
	if err != nil {
		return 0, err
	}
	return int(c.Get(field)), nil
}

// SetSensitivity writes the stall detection threshold. Values outside the
// model's range are rejected.
func (c *Chip) SetSensitivity(v int) error {
	field, err := c.sensitivityField()
	if err != nil {
		return err
	}
	lo, hi, _ := c.model.SensitivityRange()
	if v < lo || v > hi {
		return derrors.RangeError("sensitivity", v, lo, hi)
	}
	return c.Set(field, int32(v))
}

func (c *Chip) sensitivityField() (string, error) {
	if _, _, ok := c.model.SensitivityRange(); !ok {
		return "", c.unsupported("stall sensitivity")
	}
	switch c.family {
	case FamilyTMC2130, FamilyTMC2660:
		return "sgt", nil
	case FamilyTMC220x:
		return "sgthrs", nil
	}
	return "stall_th", nil
}

// Chopper returns the operator view of CHOPCONF.
func (c *Chip) Chopper() ChopperTiming {
	if !c.model.HasChopperTiming() {
		return ChopperTiming{}
	}
	return ChopperTiming{
		Toff:  int(c.Get("toff")),
		Hend:  int(c.Get("hend")) - 3,
		Hstrt: int(c.Get("hstrt")) + 1,
	}
}

// SetChopper validates and writes off time and hysteresis in one write.
func (c *Chip) SetChopper(ct ChopperTiming) error {
	if !c.model.HasChopperTiming() {
		return c.unsupported("chopper timing")
	}
	if err := ct.Validate(); err != nil {
		return err
	}
	return c.setFields("CHOPCONF",
		fieldValue{"toff", int32(ct.Toff)},
		fieldValue{"hend", int32(ct.Hend + 3)},
		fieldValue{"hstrt", int32(ct.Hstrt - 1)})
}

// BlankTime returns the CHOPCONF comparator blank time setting.
func (c *Chip) BlankTime() int {
	if !c.family.IsTMC() {
		return 0
	}
	return int(c.Get("tbl"))
}

// SetBlankTime writes the CHOPCONF comparator blank time setting (0..3).
func (c *Chip) SetBlankTime(tbl int) error {
	if !c.family.IsTMC() {
		return c.unsupported("blank time")
	}
	if tbl < 0 || tbl > 3 {
		return derrors.RangeError("tbl", tbl, 0, 3)
	}
	return c.Set("tbl", int32(tbl))
}

// EnableSensorless prepares the chip for stall homing and returns the
// chopper mode to restore afterwards.
func (c *Chip) EnableSensorless() (bool, error) {
	prev := c.StealthChop()
	switch c.family {
	case FamilyTMC2130:
		if err := c.Set("tcoolthrs", 0xFFFFF); err != nil {
			return prev, err
		}
		if err := c.Set("en_pwm_mode", 0); err != nil {
			return prev, err
		}
		return prev, c.Set("diag1_stall", 1)
	case FamilyTMC220x:
		if c.model != TMC2209 {
			return prev, c.unsupported("sensorless homing")
		}
		return prev, c.Set("tcoolthrs", 0xFFFFF)
	case FamilyTMC2660:
		return prev, nil
	}
	return prev, c.unsupported("sensorless homing")
}

// DisableSensorless undoes EnableSensorless.
func (c *Chip) DisableSensorless(restoreStealth bool) error {
	switch c.family {
	case FamilyTMC2130:
		if err := c.Set("tcoolthrs", 0); err != nil {
			return err
		}
		if err := c.Set("diag1_stall", 0); err != nil {
			return err
		}
		return c.Set("en_pwm_mode", b2i(restoreStealth))
	case FamilyTMC220x:
		if c.model != TMC2209 {
			return c.unsupported("sensorless homing")
		}
		return c.Set("tcoolthrs", 0)
	case FamilyTMC2660:
		return nil
	}
	return c.unsupported("sensorless homing")
}

// Disable turns the power stage off. dSPIN chips go to high impedance.
func (c *Chip) Disable() error {
	if c.family.IsL64XX() {
		cmd, ok := c.bus.(Commander)
		if !ok {
			return c.unsupported("hard HiZ")
		}
		if err := cmd.Command(L64XXHardHiZ); err != nil {
			return derrors.CommError(err, "hard HiZ")
		}
		return nil
	}
	return c.Set("toff", 0)
}

// ClearResetFlags clears GSTAT on TMC chips that have it.
func (c *Chip) ClearResetFlags() error {
	if c.family != FamilyTMC2130 && c.family != FamilyTMC220x {
		return nil
	}
	return c.WriteRegister("GSTAT", 0x7)
}

// Connection test results.
const (
	ConnOK   = 0
	ConnHigh = 1
	ConnLow  = 2
)

// TestConnection reads an identification register and classifies the
// answer.
func (c *Chip) TestConnection() (int, error) {
	var (
		v         uint32
		err       error
		high, low uint32 = 0xFFFFFFFF, 0
	)
	switch c.family {
	case FamilyTMC2130, FamilyTMC220x:
		v, err = c.ReadRegister("IOIN")
		v >>= 24
		high = 0xFF
	case FamilyTMC2660:
		v, err = c.ReadStatus()
		if v == 0xFFFFF {
			v = high
		}
	default:
		v, err = c.ReadRegister("CONFIG")
		if v == 0xFFFF {
			v = high
		}
	}
	switch {
	case err != nil:
		return ConnOK, err
	case v == high:
		return ConnHigh, nil
	case v == low:
		return ConnLow, nil
	}
	return ConnOK, nil
}

// RegisterValue is one row of a register dump.
type RegisterValue struct {
	Name  string
	Value uint32
	Valid bool
}

// Registers reads every register in the family dump order.
func (c *Chip) Registers() []RegisterValue {
	out := make([]RegisterValue, 0, len(c.regs.dump))
	for _, name := range c.regs.dump {
		var (
			v   uint32
			err error
		)
		switch {
		case c.family == FamilyTMC2660 && name == "DRVSTATUS":
			v = c.LastStatus()
		case name == c.regs.status && c.family != FamilyTMC2660:
			v, err = c.ReadStatus()
		default:
			if _, ok := c.regs.addrs[name]; !ok {
				continue
			}
			v, err = c.ReadRegister(name)
		}
		out = append(out, RegisterValue{
			Name:  name,
			Value: v,
			Valid: err == nil && !IsSentinel(c.family, v),
		})
	}
	return out
}

// RegisterNames lists all register names known for the family.
func (c *Chip) RegisterNames() []string {
	names := make([]string, 0, len(c.regs.addrs))
	for n := range c.regs.addrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
