package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"steppermon/pkg/driver"
	derrors "steppermon/pkg/errors"
	"steppermon/pkg/monitor"
	"steppermon/pkg/stepper"
	"steppermon/pkg/tuning"
)

// Section names.
const (
	SectionMonitor  = "monitor"
	SectionSettings = "settings"
	SectionAPI      = "api"
	SectionMetrics  = "metrics"
	DriverPrefix    = "stepper_driver "
)

// Bus kinds for a driver section.
const (
	BusSPI  = "spi"
	BusUART = "uart"
	BusSim  = "sim"
)

// MonitorSection is [monitor].
type MonitorSection struct {
	monitor.Config
	CurrentFloor    int
	WatchdogTimeout time.Duration // zero disables the watchdog
}

// Listener is an optional network endpoint. An empty Listen disables it.
type Listener struct {
	Listen   string
	Username string
	Password string
}

// DriverSection is one [stepper_driver <axis>].
type DriverSection struct {
	Axis  stepper.Axis
	Model driver.Model
	Bus   string

	SPIBus        string
	SPISpeed      int64
	ChainPosition int
	ChainLength   int

	Serial      string
	Baud        int
	UARTAddress int

	EnablePin *Pin

	SenseResistor     float64
	RunCurrent        int
	MaxCurrent        int
	HoldMultiplier    float64
	MilliampsPerCount float64
	KvalStepDown      int

	Motion   stepper.Motion
	Defaults stepper.StoredConfig
}

// ChipConfig returns the driver creation parameters. The enable sensor is
// left to the bus layer.
func (d *DriverSection) ChipConfig() driver.Config {
	return driver.Config{
		Model:          d.Model,
		SenseResistor:  d.SenseResistor,
		HoldMultiplier: d.HoldMultiplier,
		PerCount:       d.MilliampsPerCount,
	}
}

// InitSettings returns the register values written at startup.
func (d *DriverSection) InitSettings() driver.InitSettings {
	return driver.InitSettings{
		Milliamps:   d.RunCurrent,
		Microsteps:  d.Motion.Microsteps,
		Interpolate: d.Motion.Interpolate,
		StealthChop: d.Defaults.StealthChop,
		TPWMTHRS:    driver.ThresholdToTPWMTHRS(d.Defaults.HybridThreshold, d.Motion.Microsteps, d.Motion.StepsPerMM),
		Chopper:     d.Defaults.Chopper,
	}
}

// StepDownMilliamps is the per-driver step-down override in mA. Only dSPIN
// drivers have one: kval_step_down register counts.
func (d *DriverSection) StepDownMilliamps() int {
	if d.Model.Family().IsTMC() || d.KvalStepDown == 0 {
		return 0
	}
	return int(math.Round(float64(d.KvalStepDown) * d.MilliampsPerCount))
}

// Connection describes the bus endpoint for reports.
func (d *DriverSection) Connection() string {
	switch d.Bus {
	case BusSPI:
		bus := d.SPIBus
		if bus == "" {
			bus = "default"
		}
		if d.ChainLength > 1 {
			return fmt.Sprintf("spi:%s[%d/%d]", bus, d.ChainPosition, d.ChainLength)
		}
		return "spi:" + bus
	case BusUART:
		return fmt.Sprintf("uart:%s@%d", d.Serial, d.UARTAddress)
	}
	return d.Bus
}

// Machine is the typed configuration of a steppermon instance.
type Machine struct {
	Monitor  MonitorSection
	Settings string // settings blob path
	API      Listener
	Metrics  Listener
	Drivers  []DriverSection // in axis order
}

// LoadMachine reads and validates a machine configuration file.
func LoadMachine(path string) (*Machine, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return ParseMachine(c)
}

// ParseMachine validates a parsed file. Unknown sections and options are
// errors.
func ParseMachine(c *Config) (*Machine, error) {
	m := &Machine{}
	var err error
	if m.Monitor, err = parseMonitor(c.GetSectionOptional(SectionMonitor)); err != nil {
		return nil, err
	}
	if m.Settings, err = c.GetSectionOptional(SectionSettings).Get("path", "~/.steppermon/settings.cbor"); err != nil {
		return nil, err
	}
	if m.API, err = parseListener(c.GetSectionOptional(SectionAPI), ":7130", false); err != nil {
		return nil, err
	}
	if m.Metrics, err = parseListener(c.GetSectionOptional(SectionMetrics), ":9130", true); err != nil {
		return nil, err
	}

	sections := c.GetPrefixSections(DriverPrefix)
	if len(sections) == 0 {
		return nil, errMissingSection(strings.TrimSpace(DriverPrefix))
	}
	seen := make(map[stepper.Axis]string)
	for _, sec := range sections {
		d, err := parseDriver(sec)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[d.Axis]; ok {
			return nil, derrors.Newf(derrors.ErrConfigSection, "sections '%s' and '%s' name the same axis", prev, sec.GetName()).
				SetAxis(d.Axis.String())
		}
		seen[d.Axis] = sec.GetName()
		m.Drivers = append(m.Drivers, d)
	}
	sort.Slice(m.Drivers, func(i, j int) bool { return m.Drivers[i].Axis < m.Drivers[j].Axis })
	if err := checkChains(m.Drivers); err != nil {
		return nil, err
	}

	if err := c.CheckUnused(); err != nil {
		return nil, err
	}
	return m, nil
}

func intp(v int) *int { return &v }
func floatp(v float64) *float64 { return &v }

func parseMonitor(sec *Section) (MonitorSection, error) {
	def := monitor.DefaultConfig()
	ms := MonitorSection{Config: def}
	var err error
	var v int

	if ms.PollInterval, err = sec.GetDuration("poll_interval", def.PollInterval); err != nil {
		return ms, err
	}
	if ms.PollInterval == 0 {
		return ms, errOutOfRange(sec.name, "poll_interval", 0, "must be above 0")
	}
	if ms.ReportInterval, err = sec.GetDuration("report_interval", 0); err != nil {
		return ms, err
	}
	if v, err = sec.GetIntWithBounds("fault_ceiling", IntBounds{intp(1), intp(255)}, int(def.FaultCeiling)); err != nil {
		return ms, err
	}
	ms.FaultCeiling = uint8(v)
	if v, err = sec.GetIntWithBounds("warnings_before_step_down", IntBounds{intp(0), intp(254)}, int(def.WarningsBeforeStepDown)); err != nil {
		return ms, err
	}
	ms.WarningsBeforeStepDown = uint8(v)
	if ms.StepDown, err = sec.GetIntWithBounds("current_step_down", IntBounds{MinVal: intp(0)}, def.StepDown); err != nil {
		return ms, err
	}
	if ms.CurrentFloor, err = sec.GetIntWithBounds("current_floor", IntBounds{MinVal: intp(0)}, tuning.DefaultCurrentFloor); err != nil {
		return ms, err
	}
	if ms.StopOnError, err = sec.GetBool("stop_on_error", def.StopOnError); err != nil {
		return ms, err
	}
	if ms.CommReminderTicks, err = sec.GetIntWithBounds("comm_reminder_ticks", IntBounds{MinVal: intp(1)}, def.CommReminderTicks); err != nil {
		return ms, err
	}
	if ms.WatchdogTimeout, err = sec.GetDuration("watchdog_timeout", 5*time.Second); err != nil {
		return ms, err
	}
	return ms, nil
}

func parseListener(sec *Section, listen string, auth bool) (Listener, error) {
	var l Listener
	var err error
	if l.Listen, err = sec.Get("listen", listen); err != nil {
		return l, err
	}
	if !auth {
		return l, nil
	}
	if l.Username, err = sec.Get("username", ""); err != nil {
		return l, err
	}
	if l.Password, err = sec.Get("password", ""); err != nil {
		return l, err
	}
	if (l.Username == "") != (l.Password == "") {
		return l, derrors.ConfigValidationError(sec.name, "password", "username and password must be set together")
	}
	return l, nil
}

func parseDriver(sec *Section) (DriverSection, error) {
	var d DriverSection
	name := sec.GetName()
	label := strings.TrimSpace(strings.TrimPrefix(name, DriverPrefix))
	axis, err := stepper.ParseAxis(label)
	if err != nil {
		return d, derrors.Wrap(err, derrors.ErrConfigSection, "section '"+name+"'").SetParam(name)
	}
	d.Axis = axis
	fail := func(err error) (DriverSection, error) {
		if de, ok := err.(*derrors.DriverError); ok && de.Axis == "" {
			de.SetAxis(axis.String())
		}
		return d, err
	}

	model, err := sec.Get("driver")
	if err != nil {
		return fail(err)
	}
	if d.Model, err = driver.ParseModel(model); err != nil {
		return fail(derrors.ConfigValidationError(name, "driver", err.Error()))
	}
	fam := d.Model.Family()

	if err := parseBus(sec, &d); err != nil {
		return fail(err)
	}
	if d.EnablePin, err = sec.GetPinOptional("enable_pin"); err != nil {
		return fail(err)
	}
	if err := parseCurrent(sec, &d); err != nil {
		return fail(err)
	}
	if err := parseMotion(sec, &d); err != nil {
		return fail(err)
	}

	// Operator defaults restored by M502 and after a comm reset.
	if d.Model.HasStealthChop() {
		if d.Defaults.StealthChop, err = sec.GetBool("stealthchop", false); err != nil {
			return fail(err)
		}
		threshold, err := sec.GetIntWithBounds("hybrid_threshold", IntBounds{MinVal: intp(0)}, 0)
		if err != nil {
			return fail(err)
		}
		d.Defaults.HybridThreshold = uint32(threshold)
	}
	if lo, hi, ok := d.Model.SensitivityRange(); ok {
		def := 0
		if lo > 0 {
			def = lo
		}
		sgt, err := sec.GetIntWithBounds("homing_sensitivity", IntBounds{intp(lo), intp(hi)}, def)
		if err != nil {
			return fail(err)
		}
		d.Defaults.HomingSensitivity = int16(sgt)
	}
	if d.Model.HasChopperTiming() {
		ct := driver.ChopperTiming{}
		if ct.Toff, err = sec.GetInt("toff", 4); err != nil {
			return fail(err)
		}
		if ct.Hend, err = sec.GetInt("hend", 1); err != nil {
			return fail(err)
		}
		if ct.Hstrt, err = sec.GetInt("hstrt", 5); err != nil {
			return fail(err)
		}
		if err := ct.Validate(); err != nil {
			return fail(derrors.ConfigValidationError(name, err.(*derrors.DriverError).Param, err.Error()))
		}
		d.Defaults.Chopper = ct
	}

	if !fam.IsTMC() {
		if d.MilliampsPerCount, err = sec.GetFloatWithBounds("ma_per_count", FloatBounds{Above: floatp(0)}, driver.DefaultPerCount(fam)); err != nil {
			return fail(err)
		}
		if d.KvalStepDown, err = sec.GetIntWithBounds("kval_step_down", IntBounds{MinVal: intp(0)}, 1); err != nil {
			return fail(err)
		}
	}
	return d, nil
}

func parseBus(sec *Section, d *DriverSection) error {
	fam := d.Model.Family()
	choices := []string{BusSPI, BusSim}
	if fam == driver.FamilyTMC220x {
		choices = []string{BusUART, BusSim}
	}
	var err error
	if d.Bus, err = sec.GetChoice("bus", choices, choices[0]); err != nil {
		return err
	}

	switch d.Bus {
	case BusSPI:
		if d.SPIBus, err = sec.Get("spi_bus", ""); err != nil {
			return err
		}
		speed, err := sec.GetIntWithBounds("spi_speed", IntBounds{intp(100000), intp(20000000)}, 4000000)
		if err != nil {
			return err
		}
		d.SPISpeed = int64(speed)
	case BusUART:
		if d.Serial, err = sec.Get("serial"); err != nil {
			return err
		}
		if d.Baud, err = sec.GetIntWithBounds("baud", IntBounds{MinVal: intp(1200)}, 115200); err != nil {
			return err
		}
		if d.UARTAddress, err = sec.GetIntWithBounds("uart_address", IntBounds{intp(0), intp(3)}, 0); err != nil {
			return err
		}
	}

	if d.ChainLength, err = sec.GetIntWithBounds("chain_length", IntBounds{intp(1), intp(8)}, 1); err != nil {
		return err
	}
	if d.ChainPosition, err = sec.GetIntWithBounds("chain_position", IntBounds{intp(0), intp(d.ChainLength - 1)}, 0); err != nil {
		return err
	}
	if d.ChainLength > 1 && fam.IsTMC() {
		return derrors.ConfigValidationError(sec.name, "chain_length", "daisy chains are only supported for dSPIN drivers")
	}
	return nil
}

func parseCurrent(sec *Section, d *DriverSection) error {
	var err error
	if d.Model.Family().IsTMC() {
		if d.SenseResistor, err = sec.GetFloatWithBounds("sense_resistor", FloatBounds{Above: floatp(0)}, 0.11); err != nil {
			return err
		}
		if d.HoldMultiplier, err = sec.GetFloatWithBounds("hold_multiplier", FloatBounds{Above: floatp(0), MaxVal: floatp(1)}, 0.5); err != nil {
			return err
		}
	}
	if d.MaxCurrent, err = sec.GetIntWithBounds("max_current", IntBounds{MinVal: intp(1)}, 2000); err != nil {
		return err
	}
	if d.RunCurrent, err = sec.GetIntWithBounds("run_current", IntBounds{intp(1), intp(d.MaxCurrent)}); err != nil {
		return err
	}
	return nil
}

func parseMotion(sec *Section, d *DriverSection) error {
	var err error
	if d.Motion.Microsteps, err = sec.GetInt("microsteps", 16); err != nil {
		return err
	}
	if _, err := driver.GetMRES(d.Motion.Microsteps); err != nil {
		return derrors.ConfigValidationError(sec.name, "microsteps", err.Error())
	}
	spm, err := sec.GetIntWithBounds("steps_per_mm", IntBounds{MinVal: intp(1)}, 80)
	if err != nil {
		return err
	}
	d.Motion.StepsPerMM = uint32(spm)
	if d.Motion.Interpolate, err = sec.GetBool("interpolate", true); err != nil {
		return err
	}
	return nil
}

// checkChains verifies that drivers sharing a dSPIN daisy chain agree on
// its length and do not share a slot.
func checkChains(drivers []DriverSection) error {
	type slot struct {
		bus string
		pos int
	}
	lengths := make(map[string]int)
	taken := make(map[slot]stepper.Axis)
	for _, d := range drivers {
		if d.Bus != BusSPI || d.ChainLength == 1 {
			continue
		}
		if n, ok := lengths[d.SPIBus]; ok && n != d.ChainLength {
			return derrors.ConfigValidationError(DriverPrefix+d.Axis.String(), "chain_length",
				fmt.Sprintf("chain on %q has length %d elsewhere", d.SPIBus, n)).SetAxis(d.Axis.String())
		}
		lengths[d.SPIBus] = d.ChainLength
		s := slot{d.SPIBus, d.ChainPosition}
		if other, ok := taken[s]; ok {
			return derrors.ConfigValidationError(DriverPrefix+d.Axis.String(), "chain_position",
				fmt.Sprintf("position %d already used by %s", d.ChainPosition, other)).SetAxis(d.Axis.String())
		}
		taken[s] = d.Axis
	}
	return nil
}
