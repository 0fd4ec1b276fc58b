package tuning

import (
	"reflect"
	"testing"

	"steppermon/pkg/driver"
	derrors "steppermon/pkg/errors"
	"steppermon/pkg/sim"
	"steppermon/pkg/stepper"
)

var testDefaults = stepper.StoredConfig{
	StealthChop:       true,
	HybridThreshold:   100,
	HomingSensitivity: 8,
	Chopper:           driver.ChopperTiming{Toff: 4, Hend: 1, Hstrt: 5},
}

type fixture struct {
	set  *stepper.Set
	lock *stepper.BusLock
	mgr  *Manager
	bus  map[stepper.Axis]*sim.Chip
}

func newFixture(t *testing.T, models map[stepper.Axis]driver.Model, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		set:  &stepper.Set{},
		lock: &stepper.BusLock{},
		bus:  make(map[stepper.Axis]*sim.Chip),
	}
	for a, model := range models {
		bus := sim.New(model.Family())
		chip, err := driver.NewChip(bus, driver.Config{Model: model, SenseResistor: 0.11})
		if err != nil {
			t.Fatalf("NewChip(%s): %v", model, err)
		}
		inst := stepper.NewInstance(a, chip, 1200, 800, stepper.Motion{Microsteps: 16, StepsPerMM: 80, Interpolate: true}, testDefaults)
		if err := chip.Init(InitSettings(inst, testDefaults, 800)); err != nil {
			t.Fatalf("Init(%s): %v", model, err)
		}
		bus.ResetWrites()
		f.set.Add(inst)
		f.bus[a] = bus
	}
	f.mgr = New(f.set, f.lock, opts...)
	return f
}

func (f *fixture) inst(t *testing.T, a stepper.Axis) *stepper.Instance {
	t.Helper()
	inst, err := f.set.Get(a)
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestSetCurrent(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130})

	tests := []struct {
		mA   int
		fail bool
	}{
		{49, true},
		{1201, true},
		{0, true},
		{50, false},
		{1200, false},
		{700, false},
	}
	for _, tt := range tests {
		f.bus[stepper.X].ResetWrites()
		got, err := f.mgr.SetCurrent(stepper.X, tt.mA)
		if tt.fail {
			if !derrors.Is(err, derrors.ErrRange) {
				t.Errorf("SetCurrent(%d) error = %v, want RANGE", tt.mA, err)
			}
			if n := len(f.bus[stepper.X].Writes()); n != 0 {
				t.Errorf("SetCurrent(%d) wrote %d registers on rejection", tt.mA, n)
			}
			continue
		}
		if err != nil || got != tt.mA {
			t.Errorf("SetCurrent(%d) = %d, %v", tt.mA, got, err)
		}
	}
	inst := f.inst(t, stepper.X)
	if inst.State().AppliedMilliamps != 700 || inst.Chip.Milliamps() != 700 {
		t.Errorf("applied = %d, chip = %d", inst.State().AppliedMilliamps, inst.Chip.Milliamps())
	}
	applied, rms, err := f.mgr.Current(stepper.X)
	if err != nil || applied != 700 || rms > 700 || rms < 650 {
		t.Errorf("Current = %d, %d, %v", applied, rms, err)
	}

	if _, err := f.mgr.SetCurrent(stepper.Y, 500); !derrors.Is(err, derrors.ErrUnknownAxis) {
		t.Errorf("SetCurrent on missing axis = %v", err)
	}
}

func TestStepDownFloor(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.Z: driver.TMC2209})
	inst := f.inst(t, stepper.Z)
	inst.UpdateState(func(s *stepper.RuntimeState) { s.AppliedMilliamps = 80 })

	for _, want := range []int{50, 50} {
		got, err := f.mgr.StepDownLocked(inst, 50)
		if err != nil || got != want {
			t.Fatalf("StepDownLocked = %d, %v, want %d", got, err, want)
		}
	}
	if inst.State().AppliedMilliamps != 50 {
		t.Errorf("applied = %d", inst.State().AppliedMilliamps)
	}
}

func TestStepDownCustomFloor(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130}, WithCurrentFloor(300))
	inst := f.inst(t, stepper.X)
	got, err := f.mgr.StepDownLocked(inst, 600)
	if err != nil || got != 300 {
		t.Errorf("StepDownLocked = %d, %v", got, err)
	}
	if _, err := f.mgr.SetCurrent(stepper.X, 250); !derrors.Is(err, derrors.ErrRange) {
		t.Errorf("SetCurrent below custom floor = %v", err)
	}
}

func TestSetStealthChop(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{
		stepper.X: driver.TMC2130,
		stepper.Y: driver.TMC2209,
		stepper.Z: driver.TMC2660,
	})

	if err := f.mgr.SetStealthChop(stepper.X, false); err != nil {
		t.Fatal(err)
	}
	if f.bus[stepper.X].Register(driver.TMC2130GCONF)&(1<<2) != 0 {
		t.Error("TMC2130 en_pwm_mode still set")
	}
	if err := f.mgr.SetStealthChop(stepper.Y, false); err != nil {
		t.Fatal(err)
	}
	if f.bus[stepper.Y].Register(driver.TMC220xGCONF)&(1<<2) == 0 {
		t.Error("TMC2209 en_spreadcycle not set")
	}
	for _, a := range []stepper.Axis{stepper.X, stepper.Y} {
		on, err := f.mgr.StealthChop(a)
		if err != nil || on {
			t.Errorf("%s StealthChop = %v, %v", a, on, err)
		}
		if f.inst(t, a).Stored().StealthChop {
			t.Errorf("%s stored StealthChop not updated", a)
		}
	}
	if err := f.mgr.SetStealthChop(stepper.Z, true); !derrors.Is(err, derrors.ErrUnsupported) {
		t.Errorf("TMC2660 SetStealthChop = %v", err)
	}
}

func TestSetHybridThreshold(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130, stepper.E0: driver.L6470})

	reg, err := f.mgr.SetHybridThreshold(stepper.X, 100)
	if err != nil || reg != 98 {
		t.Fatalf("SetHybridThreshold = %d, %v", reg, err)
	}
	if got := f.bus[stepper.X].Register(driver.TMC2130TPWMTHRS); got != 98 {
		t.Errorf("TPWMTHRS = %d", got)
	}
	mmps, err := f.mgr.HybridThreshold(stepper.X)
	if err != nil || mmps != 100 {
		t.Errorf("HybridThreshold = %d, %v", mmps, err)
	}
	if f.inst(t, stepper.X).Stored().HybridThreshold != 100 {
		t.Error("stored threshold not updated")
	}
	if reg, err := f.mgr.SetHybridThreshold(stepper.X, 0); err != nil || reg != 0 {
		t.Errorf("SetHybridThreshold(0) = %d, %v", reg, err)
	}
	if _, err := f.mgr.SetHybridThreshold(stepper.E0, 100); !derrors.Is(err, derrors.ErrUnsupported) {
		t.Errorf("L6470 SetHybridThreshold = %v", err)
	}
}

func TestSetHomingSensitivity(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{
		stepper.X:  driver.TMC2130,
		stepper.Y:  driver.TMC2209,
		stepper.Z:  driver.L6470,
		stepper.E0: driver.L6474,
	})

	tests := []struct {
		axis stepper.Axis
		in   int
		want int
	}{
		{stepper.X, 100, 63},
		{stepper.X, -100, -64},
		{stepper.X, -5, -5},
		{stepper.Y, 300, 255},
		{stepper.Y, -1, 0},
		{stepper.Z, 127, 127},
		{stepper.Z, 200, 127},
	}
	for _, tt := range tests {
		got, err := f.mgr.SetHomingSensitivity(tt.axis, tt.in)
		if err != nil || got != tt.want {
			t.Errorf("%s SetHomingSensitivity(%d) = %d, %v, want %d", tt.axis, tt.in, got, err, tt.want)
			continue
		}
		read, err := f.mgr.HomingSensitivity(tt.axis)
		if err != nil || read != tt.want {
			t.Errorf("%s HomingSensitivity = %d, %v", tt.axis, read, err)
		}
		if int(f.inst(t, tt.axis).Stored().HomingSensitivity) != tt.want {
			t.Errorf("%s stored sensitivity not updated", tt.axis)
		}
	}
	if _, err := f.mgr.SetHomingSensitivity(stepper.E0, 10); !derrors.Is(err, derrors.ErrUnsupported) {
		t.Errorf("L6474 SetHomingSensitivity = %v", err)
	}
}

func TestSetChopperTiming(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130, stepper.Y: driver.L6480})

	bad := []driver.ChopperTiming{
		{Toff: 0, Hend: 1, Hstrt: 5},
		{Toff: 16, Hend: 1, Hstrt: 5},
		{Toff: 4, Hend: -4, Hstrt: 5},
		{Toff: 4, Hend: 13, Hstrt: 5},
		{Toff: 4, Hend: 1, Hstrt: 0},
		{Toff: 4, Hend: 1, Hstrt: 9},
	}
	for _, ct := range bad {
		f.bus[stepper.X].ResetWrites()
		err := f.mgr.SetChopperTiming(stepper.X, ct)
		if !derrors.Is(err, derrors.ErrRange) {
			t.Errorf("SetChopperTiming(%+v) = %v, want RANGE", ct, err)
		}
		if n := len(f.bus[stepper.X].Writes()); n != 0 {
			t.Errorf("SetChopperTiming(%+v) wrote %d registers", ct, n)
		}
	}

	good := driver.ChopperTiming{Toff: 3, Hend: -3, Hstrt: 8}
	if err := f.mgr.SetChopperTiming(stepper.X, good); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.mgr.ChopperTiming(stepper.X); got != good {
		t.Errorf("ChopperTiming = %+v", got)
	}
	if f.inst(t, stepper.X).Stored().Chopper != good {
		t.Error("stored chopper not updated")
	}
	if err := f.mgr.SetChopperTiming(stepper.Y, good); !derrors.Is(err, derrors.ErrUnsupported) {
		t.Errorf("L6480 SetChopperTiming = %v", err)
	}
}

func TestBlankTime(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130})
	if err := f.mgr.SetBlankTime(stepper.X, 2); err != nil {
		t.Fatal(err)
	}
	if got, _ := f.mgr.BlankTime(stepper.X); got != 2 {
		t.Errorf("BlankTime = %d", got)
	}
	if err := f.mgr.SetBlankTime(stepper.X, 4); !derrors.Is(err, derrors.ErrRange) {
		t.Errorf("SetBlankTime(4) = %v", err)
	}
}

func TestRestoreIdempotent(t *testing.T) {
	models := map[stepper.Axis]driver.Model{
		stepper.X:  driver.TMC2130,
		stepper.Y:  driver.TMC2209,
		stepper.Z:  driver.TMC2660,
		stepper.E0: driver.L6470,
		stepper.E1: driver.L6474,
		stepper.E2: driver.L6480,
	}
	f := newFixture(t, models)
	for a := range models {
		bus := f.bus[a]
		if err := f.mgr.RestoreAfterReset(a); err != nil {
			t.Fatalf("%s first restore: %v", a, err)
		}
		first := bus.Writes()
		bus.ResetWrites()
		if err := f.mgr.RestoreAfterReset(a); err != nil {
			t.Fatalf("%s second restore: %v", a, err)
		}
		second := bus.Writes()
		if len(first) == 0 {
			t.Errorf("%s restore wrote nothing", a)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%s restore not idempotent:\n%v\n%v", a, first, second)
		}
	}
}

func TestRestoreAfterPowerCycle(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130})
	if err := f.mgr.SetStealthChop(stepper.X, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.SetCurrent(stepper.X, 600); err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.SetHomingSensitivity(stepper.X, -10); err != nil {
		t.Fatal(err)
	}

	bus := f.bus[stepper.X]
	bus.PowerCycle()
	if err := f.mgr.RestoreAfterReset(stepper.X); err != nil {
		t.Fatal(err)
	}
	inst := f.inst(t, stepper.X)
	if inst.Chip.StealthChop() || bus.Register(driver.TMC2130GCONF)&(1<<2) != 0 {
		t.Error("stored SpreadCycle not restored")
	}
	if inst.Chip.Milliamps() != 600 {
		t.Errorf("Milliamps = %d, want 600", inst.Chip.Milliamps())
	}
	if v, _ := inst.Chip.Sensitivity(); v != -10 {
		t.Errorf("Sensitivity = %d", v)
	}
	if got := bus.Register(driver.TMC2130TPWMTHRS); got != 98 {
		t.Errorf("TPWMTHRS = %d", got)
	}
}

type haltedGate struct{}

func (haltedGate) CheckOperational() error {
	return derrors.New(derrors.ErrHalted, "driver_fault")
}

func TestGate(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130}, WithGate(haltedGate{}))
	if _, err := f.mgr.SetCurrent(stepper.X, 500); !derrors.Is(err, derrors.ErrHalted) {
		t.Errorf("SetCurrent while halted = %v", err)
	}
	if err := f.mgr.SetStealthChop(stepper.X, true); !derrors.Is(err, derrors.ErrHalted) {
		t.Errorf("SetStealthChop while halted = %v", err)
	}
	if n := len(f.bus[stepper.X].Writes()); n != 0 {
		t.Errorf("%d writes while halted", n)
	}
}

func TestOverTempLatch(t *testing.T) {
	var events []stepper.Event
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130},
		WithObserver(func(ev stepper.Event) { events = append(events, ev) }))
	inst := f.inst(t, stepper.X)
	inst.UpdateState(func(s *stepper.RuntimeState) {
		s.OTPWLatched = true
		s.OverTempWarnings = 3
	})
	if on, _ := f.mgr.OverTempLatched(stepper.X); !on {
		t.Fatal("latch not reported")
	}
	if err := f.mgr.ClearOverTempLatch(stepper.X); err != nil {
		t.Fatal(err)
	}
	st := inst.State()
	if st.OTPWLatched || st.OverTempWarnings != 3 {
		t.Errorf("state after clear = %+v", st)
	}
	if len(events) != 1 || events[0].Kind != stepper.EventLatchCleared || events[0].Axis != "X" {
		t.Errorf("events = %+v", events)
	}
}

func TestSensorless(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130})
	inst := f.inst(t, stepper.X)
	if err := f.mgr.EnableSensorless(stepper.X); err != nil {
		t.Fatal(err)
	}
	if !inst.Homing() || inst.Chip.StealthChop() || !inst.SavedStealth() {
		t.Error("sensorless state not applied")
	}
	if err := f.mgr.DisableSensorless(stepper.X); err != nil {
		t.Fatal(err)
	}
	if inst.Homing() || !inst.Chip.StealthChop() {
		t.Error("chopper mode not restored")
	}
}

func TestApplyDefaultsAndSnapshot(t *testing.T) {
	f := newFixture(t, map[stepper.Axis]driver.Model{stepper.X: driver.TMC2130, stepper.Y: driver.TMC2209})
	if _, err := f.mgr.SetCurrent(stepper.X, 500); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.SetStealthChop(stepper.Y, false); err != nil {
		t.Fatal(err)
	}
	snap := f.mgr.Snapshot()
	if snap[stepper.X].Milliamps != 500 || snap[stepper.Y].Config.StealthChop {
		t.Errorf("Snapshot = %+v", snap)
	}

	if err := f.mgr.Apply(f.mgr.Defaults()); err != nil {
		t.Fatal(err)
	}
	x, y := f.inst(t, stepper.X), f.inst(t, stepper.Y)
	if x.State().AppliedMilliamps != 800 || x.Chip.Milliamps() != 800 {
		t.Errorf("X current after reset = %d", x.State().AppliedMilliamps)
	}
	if !y.Stored().StealthChop || !y.Chip.StealthChop() {
		t.Error("Y StealthChop not reset to default")
	}

	if err := f.mgr.Apply(snap); err != nil {
		t.Fatal(err)
	}
	if x.Chip.Milliamps() != 500 || y.Chip.StealthChop() {
		t.Error("snapshot not re-applied")
	}
}
