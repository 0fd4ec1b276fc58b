package gcode

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"steppermon/pkg/driver"
	derrors "steppermon/pkg/errors"
	"steppermon/pkg/sim"
	"steppermon/pkg/stepper"
	"steppermon/pkg/tuning"
)

var testDefaults = stepper.StoredConfig{
	StealthChop:       true,
	HybridThreshold:   100,
	HomingSensitivity: 8,
	Chopper:           driver.ChopperTiming{Toff: 4, Hend: 1, Hstrt: 5},
}

type fakeStore struct {
	saved map[stepper.Axis]tuning.StoredState
}

func (s *fakeStore) Save(states map[stepper.Axis]tuning.StoredState) error {
	s.saved = states
	return nil
}

func (s *fakeStore) Load() (map[stepper.Axis]tuning.StoredState, error) {
	if s.saved == nil {
		return nil, derrors.New(derrors.ErrPersist, "nothing stored")
	}
	return s.saved, nil
}

type fakeReporter struct {
	on       bool
	interval time.Duration
}

func (r *fakeReporter) SetReporting(on bool)              { r.on = on }
func (r *fakeReporter) Reporting() bool                   { return r.on }
func (r *fakeReporter) SetReportInterval(d time.Duration) { r.interval = d }

type fixture struct {
	set   *stepper.Set
	tuner *tuning.Manager
	d     *Dispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	models := map[stepper.Axis]driver.Model{
		stepper.X:  driver.TMC2130,
		stepper.X2: driver.TMC2130,
		stepper.Y:  driver.TMC2209,
		stepper.E0: driver.TMC2208,
		stepper.E1: driver.L6470,
	}
	f := &fixture{set: &stepper.Set{}}
	lock := &stepper.BusLock{}
	for a, model := range models {
		chip, err := driver.NewChip(sim.New(model.Family()), driver.Config{Model: model, SenseResistor: 0.11})
		if err != nil {
			t.Fatalf("NewChip(%s): %v", model, err)
		}
		inst := stepper.NewInstance(a, chip, 1200, 800, stepper.Motion{Microsteps: 16, StepsPerMM: 80, Interpolate: true}, testDefaults)
		if err := chip.Init(tuning.InitSettings(inst, testDefaults, 800)); err != nil {
			t.Fatalf("Init(%s): %v", model, err)
		}
		f.set.Add(inst)
	}
	f.tuner = tuning.New(f.set, lock)
	f.d = New(f.set, lock, f.tuner, opts...)
	return f
}

func (f *fixture) run(t *testing.T, line string) string {
	t.Helper()
	out, err := f.d.Execute(line)
	if err != nil {
		t.Fatalf("%s: %v", line, err)
	}
	return out
}

func (f *fixture) applied(t *testing.T, a stepper.Axis) int {
	t.Helper()
	mA, _, err := f.tuner.Current(a)
	if err != nil {
		t.Fatal(err)
	}
	return mA
}

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		name string
		args map[string]string
		fail bool
	}{
		{"M906 X800 Y700", "M906", map[string]string{"X": "800", "Y": "700"}, false},
		{"m569 s1 x", "M569", map[string]string{"S": "1", "X": ""}, false},
		{"N12 M122 X*57", "M122", map[string]string{"X": ""}, false},
		{"M914 X10 ; homing", "M914", map[string]string{"X": "10"}, false},
		{"M919 (chopper) O3", "M919", map[string]string{"O": "3"}, false},
		{"G28", "G28", map[string]string{}, false},
		{"HELLO", "", nil, true},
		{"M", "", nil, true},
		{"Mabc", "", nil, true},
		{"M906 +5", "", nil, true},
	}
	for _, tt := range tests {
		cmd, err := Parse(tt.line)
		if tt.fail {
			if !derrors.Is(err, derrors.ErrGCodeParse) {
				t.Errorf("Parse(%q) error = %v, want GCODE_PARSE", tt.line, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.line, err)
			continue
		}
		if cmd.Name != tt.name || !reflect.DeepEqual(cmd.Args, tt.args) {
			t.Errorf("Parse(%q) = %s %v, want %s %v", tt.line, cmd.Name, cmd.Args, tt.name, tt.args)
		}
	}

	for _, line := range []string{"", "   ", "; only a comment", "(note)"} {
		cmd, err := Parse(line)
		if cmd != nil || err != nil {
			t.Errorf("Parse(%q) = %v, %v, want nil", line, cmd, err)
		}
	}
}

func TestCommandInt(t *testing.T) {
	cmd, err := Parse("M906 X800.6 Y Zabc")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok, err := cmd.Int("X"); v != 800 || !ok || err != nil {
		t.Errorf("Int(X) = %d %v %v", v, ok, err)
	}
	if _, ok, err := cmd.Int("Y"); ok || err != nil {
		t.Errorf("Int(Y) = %v %v", ok, err)
	}
	if _, _, err := cmd.Int("Z"); !derrors.Is(err, derrors.ErrGCodeParse) {
		t.Errorf("Int(Z) = %v", err)
	}
	if !cmd.Has("Y") || cmd.HasValue("Y") || cmd.Has("E") {
		t.Error("Has/HasValue mismatch")
	}
}

func TestM906(t *testing.T) {
	f := newFixture(t)

	f.run(t, "M906 X700")
	if f.applied(t, stepper.X) != 700 || f.applied(t, stepper.X2) != 700 {
		t.Errorf("X/X2 = %d/%d, want 700", f.applied(t, stepper.X), f.applied(t, stepper.X2))
	}
	f.run(t, "M906 X600 I1")
	if f.applied(t, stepper.X) != 700 || f.applied(t, stepper.X2) != 600 {
		t.Errorf("I1 changed X=%d X2=%d", f.applied(t, stepper.X), f.applied(t, stepper.X2))
	}
	f.run(t, "M906 E500 T1")
	if f.applied(t, stepper.E0) != 800 || f.applied(t, stepper.E1) != 500 {
		t.Errorf("T1 changed E0=%d E1=%d", f.applied(t, stepper.E0), f.applied(t, stepper.E1))
	}

	if out := f.run(t, "M906 X"); out != "X driver current: 700\nX2 driver current: 600\n" {
		t.Errorf("report = %q", out)
	}
	if out := f.run(t, "M906"); strings.Count(out, "driver current") != 5 {
		t.Errorf("report all = %q", out)
	}
}

func TestM906Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		line string
		code derrors.ErrorCode
	}{
		{"M906 X2000", derrors.ErrRange},
		{"M906 X10", derrors.ErrRange},
		{"M906 X600 I2", derrors.ErrRange},
		{"M906 E600 T5", derrors.ErrUnknownAxis},
		{"M906 Xabc", derrors.ErrGCodeParse},
	}
	for _, tt := range tests {
		if _, err := f.d.Execute(tt.line); !derrors.Is(err, tt.code) {
			t.Errorf("%s: error = %v, want %s", tt.line, err, tt.code)
		}
	}
	if f.applied(t, stepper.X) != 800 {
		t.Errorf("rejected command changed current to %d", f.applied(t, stepper.X))
	}
}

func TestRejectedValueChangesNothing(t *testing.T) {
	tests := []struct {
		line  string
		code  derrors.ErrorCode
		value func(f *fixture) int
	}{
		{"M906 X700 Y5000", derrors.ErrRange, func(f *fixture) int {
			mA, _, _ := f.tuner.Current(stepper.X)
			return mA
		}},
		{"M913 X50 Y-1", derrors.ErrRange, func(f *fixture) int {
			v, _ := f.tuner.HybridThreshold(stepper.X)
			return int(v)
		}},
		{"M914 X20 E10 T0", derrors.ErrUnsupported, func(f *fixture) int {
			v, _ := f.tuner.HomingSensitivity(stepper.X)
			return v
		}},
		{"M931 X3 Y16", derrors.ErrRange, func(f *fixture) int {
			ct, _ := f.tuner.ChopperTiming(stepper.X)
			return ct.Toff
		}},
		{"M930 X2 Y7", derrors.ErrRange, func(f *fixture) int {
			v, _ := f.tuner.BlankTime(stepper.X)
			return v
		}},
		{"M919 O3 X E T1", derrors.ErrUnsupported, func(f *fixture) int {
			ct, _ := f.tuner.ChopperTiming(stepper.X)
			return ct.Toff
		}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			f := newFixture(t)
			before := tt.value(f)
			if _, err := f.d.Execute(tt.line); !derrors.Is(err, tt.code) {
				t.Fatalf("error = %v, want %s", err, tt.code)
			}
			if after := tt.value(f); after != before {
				t.Errorf("X changed from %d to %d by a rejected command", before, after)
			}
		})
	}
}

func TestM569(t *testing.T) {
	f := newFixture(t)

	f.run(t, "M569 S0 X")
	for _, a := range []stepper.Axis{stepper.X, stepper.X2} {
		if on, _ := f.tuner.StealthChop(a); on {
			t.Errorf("%s still in stealthChop", a)
		}
	}
	out := f.run(t, "M569")
	want := "X driver mode:\tspreadCycle\n" +
		"X2 driver mode:\tspreadCycle\n" +
		"Y driver mode:\tstealthChop\n" +
		"E0 driver mode:\tstealthChop\n"
	if out != want {
		t.Errorf("report = %q, want %q", out, want)
	}

	if _, err := f.d.Execute("M569 S1 E T1"); !derrors.Is(err, derrors.ErrUnsupported) {
		t.Errorf("L6470 M569 = %v", err)
	}
}

func TestOverTempLatchCommands(t *testing.T) {
	f := newFixture(t)
	for _, a := range []stepper.Axis{stepper.X, stepper.Y} {
		inst, _ := f.set.Get(a)
		inst.UpdateState(func(s *stepper.RuntimeState) { s.OTPWLatched = true })
	}

	if out := f.run(t, "M911 Y"); out != "Y: true\n" {
		t.Errorf("M911 Y = %q", out)
	}
	f.run(t, "M912 Y")
	if out := f.run(t, "M911 X Y"); out != "X: true\nY: false\n" {
		t.Errorf("after M912 Y = %q", out)
	}
	f.run(t, "M912")
	if out := f.run(t, "M911"); strings.Contains(out, "true") {
		t.Errorf("after M912 = %q", out)
	}
}

func TestM913M914(t *testing.T) {
	f := newFixture(t)

	f.run(t, "M913 X100 I0")
	if out := f.run(t, "M913 X I0"); out != "X: 100\n" {
		t.Errorf("M913 report = %q", out)
	}
	if _, err := f.d.Execute("M913 X-5"); !derrors.Is(err, derrors.ErrRange) {
		t.Errorf("M913 X-5 = %v", err)
	}

	f.run(t, "M914 X100")
	if out := f.run(t, "M914 X"); out != "X: 63\nX2: 63\n" {
		t.Errorf("M914 clamp = %q", out)
	}
	// TMC2208 has no stall detection
	if out := f.run(t, "M914"); strings.Contains(out, "E0:") {
		t.Errorf("M914 reported E0: %q", out)
	}
}

func TestChopperCommands(t *testing.T) {
	f := newFixture(t)

	f.run(t, "M919 O3 X I0")
	ct, _ := f.tuner.ChopperTiming(stepper.X)
	if want := (driver.ChopperTiming{Toff: 3, Hend: 1, Hstrt: 5}); ct != want {
		t.Errorf("M919 O3 = %+v, want %+v", ct, want)
	}
	if ct, _ := f.tuner.ChopperTiming(stepper.X2); ct.Toff != 4 {
		t.Errorf("X2 toff changed to %d", ct.Toff)
	}
	if out := f.run(t, "M919 X I0"); out != "X toff:3 hend:1 hstrt:5\n" {
		t.Errorf("M919 report = %q", out)
	}
	if out := f.run(t, "M919"); strings.Contains(out, "E1") || strings.Count(out, "toff:") != 4 {
		t.Errorf("M919 report all = %q", out)
	}
	if _, err := f.d.Execute("M919 O16 Y"); !derrors.Is(err, derrors.ErrRange) {
		t.Errorf("M919 O16 = %v", err)
	}
	if _, err := f.d.Execute("M919 O3 E T1"); !derrors.Is(err, derrors.ErrUnsupported) {
		t.Errorf("M919 on L6470 = %v", err)
	}

	f.run(t, "M931 Y6")
	f.run(t, "M932 Y2")
	f.run(t, "M933 Y7")
	if ct, _ := f.tuner.ChopperTiming(stepper.Y); ct != (driver.ChopperTiming{Toff: 6, Hend: 2, Hstrt: 7}) {
		t.Errorf("M931-M933 = %+v", ct)
	}
	if out := f.run(t, "M932 Y"); out != "Y hysteresis_end: 2\n" {
		t.Errorf("M932 report = %q", out)
	}

	f.run(t, "M930 X2 I0")
	if out := f.run(t, "M930 X I0"); out != "X blank_time: 2\n" {
		t.Errorf("M930 report = %q", out)
	}
}

func TestSettingsCommands(t *testing.T) {
	store := &fakeStore{}
	f := newFixture(t, WithStore(store))

	f.run(t, "M906 X700 I0")
	f.run(t, "M569 S0 Y")
	if out := f.run(t, "M500"); out != "Settings Stored\n" {
		t.Errorf("M500 = %q", out)
	}
	if store.saved[stepper.X].Milliamps != 700 || store.saved[stepper.Y].Config.StealthChop {
		t.Errorf("stored = %+v", store.saved)
	}

	f.run(t, "M906 X500 I0")
	f.run(t, "M501")
	if f.applied(t, stepper.X) != 700 {
		t.Errorf("after M501 X = %d, want 700", f.applied(t, stepper.X))
	}

	if out := f.run(t, "M502"); out != "Hardcoded Default Settings Loaded\n" {
		t.Errorf("M502 = %q", out)
	}
	if f.applied(t, stepper.X) != 800 {
		t.Errorf("after M502 X = %d, want 800", f.applied(t, stepper.X))
	}
	if on, _ := f.tuner.StealthChop(stepper.Y); !on {
		t.Error("M502 did not restore stealthChop on Y")
	}
	// M502 leaves the stored blob alone
	if store.saved[stepper.X].Milliamps != 700 {
		t.Error("M502 wrote the store")
	}
}

func TestSettingsWithoutStore(t *testing.T) {
	f := newFixture(t)
	for _, line := range []string{"M500", "M501"} {
		if _, err := f.d.Execute(line); !derrors.Is(err, derrors.ErrPersist) {
			t.Errorf("%s = %v", line, err)
		}
	}
}

func TestM122(t *testing.T) {
	rep := &fakeReporter{}
	f := newFixture(t, WithReporter(rep))

	out := f.run(t, "M122 X I0")
	if !strings.HasPrefix(out, "Testing X connection... OK\n") {
		t.Errorf("M122 X = %q", out)
	}
	if strings.Contains(out, "Testing Y") {
		t.Errorf("M122 X tested Y: %q", out)
	}

	out = f.run(t, "M122")
	for _, l := range []string{"Testing X2", "Testing E1", "Driver registers:"} {
		if !strings.Contains(out, l) {
			t.Errorf("M122 missing %q", l)
		}
	}

	if out := f.run(t, "M122 V"); out == "" {
		t.Error("M122 V printed nothing")
	}

	f.run(t, "M122 S1 P500")
	if !rep.on || rep.interval != 500*time.Millisecond {
		t.Errorf("reporter = %+v", rep)
	}
	f.run(t, "M122 S0")
	if rep.on {
		t.Error("M122 S0 left reporting on")
	}
	if _, err := f.d.Execute("M122 P0"); !derrors.Is(err, derrors.ErrRange) {
		t.Errorf("M122 P0 = %v", err)
	}

	bare := newFixture(t)
	if _, err := bare.d.Execute("M122 S1"); !derrors.Is(err, derrors.ErrUnsupported) {
		t.Errorf("M122 S1 without reporter = %v", err)
	}
}

func TestM122Reinit(t *testing.T) {
	f := newFixture(t)
	inst, _ := f.set.Get(stepper.Y)
	inst.UpdateStored(func(c *stepper.StoredConfig) { c.Chopper.Toff = 7 })

	f.run(t, "M122 Y I")
	if ct, _ := f.tuner.ChopperTiming(stepper.Y); ct.Toff != 7 {
		t.Errorf("M122 I did not reprogram Y: toff = %d", ct.Toff)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Execute("M999")
	if !derrors.Is(err, derrors.ErrGCodeUnknownCmd) {
		t.Fatalf("M999 = %v", err)
	}
	var de *derrors.DriverError
	if !errors.As(err, &de) {
		t.Fatalf("error type %T", err)
	}
}

func TestExecuteScript(t *testing.T) {
	f := newFixture(t)
	out, err := f.d.ExecuteScript("; set currents\nM906 X700 I0\n\nM906 X I0\nM999\nM906 X600 I0\n")
	if !derrors.Is(err, derrors.ErrGCodeUnknownCmd) {
		t.Fatalf("script error = %v", err)
	}
	if out != "X driver current: 700\n" {
		t.Errorf("script output = %q", out)
	}
	if f.applied(t, stepper.X) != 700 {
		t.Error("script ran past the failing line")
	}
}

func TestHelp(t *testing.T) {
	f := newFixture(t)
	help := f.d.Help()
	if !strings.HasPrefix(help, "M122: ") {
		t.Errorf("help not sorted: %q", help)
	}
	if len(f.d.Commands()) != 15 {
		t.Errorf("Commands = %d", len(f.d.Commands()))
	}
}
