package config

import (
	"strings"
	"testing"
	"time"

	"steppermon/pkg/driver"
	derrors "steppermon/pkg/errors"
	"steppermon/pkg/stepper"
)

const sampleMachine = `
[monitor]
poll_interval: 0.5
report_interval: 2
current_step_down: 40
watchdog_timeout: 0

[settings]
path: /var/lib/steppermon/settings.cbor

[metrics]
listen: :9200
username: prom
password: secret

[stepper_driver Y]
driver: tmc2209
bus: uart
serial: /dev/ttyAMA0
uart_address: 2
run_current: 600
max_current: 1000
stealthchop: true
hybrid_threshold: 100
homing_sensitivity: 80

[stepper_driver X]
driver: tmc2130
spi_bus: SPI0.0
enable_pin: !GPIO22
sense_resistor: 0.075
run_current: 800
microsteps: 32
steps_per_mm: 160
toff: 3
hend: -1
hstrt: 4

[stepper_driver Z]
driver: l6470
chain_position: 1
chain_length: 2
run_current: 1000
kval_step_down: 4

[stepper_driver E0]
driver: l6474
chain_position: 0
chain_length: 2
run_current: 500
`

func loadSample(t *testing.T, data string) *Machine {
	t.Helper()
	cfg, err := LoadString(data)
	if err != nil {
		t.Fatal(err)
	}
	m, err := ParseMachine(cfg)
	if err != nil {
		t.Fatalf("ParseMachine: %v", err)
	}
	return m
}

func TestParseMachine(t *testing.T) {
	m := loadSample(t, sampleMachine)

	if m.Monitor.PollInterval != 500*time.Millisecond || m.Monitor.ReportInterval != 2*time.Second {
		t.Errorf("intervals = %v, %v", m.Monitor.PollInterval, m.Monitor.ReportInterval)
	}
	if m.Monitor.StepDown != 40 || m.Monitor.FaultCeiling != 10 || m.Monitor.CurrentFloor != 50 {
		t.Errorf("monitor = %+v", m.Monitor)
	}
	if m.Monitor.WatchdogTimeout != 0 || !m.Monitor.StopOnError {
		t.Errorf("monitor = %+v", m.Monitor)
	}
	if m.Settings != "/var/lib/steppermon/settings.cbor" {
		t.Errorf("settings = %s", m.Settings)
	}
	if m.API.Listen != ":7130" {
		t.Errorf("api listen = %s", m.API.Listen)
	}
	if m.Metrics.Listen != ":9200" || m.Metrics.Username != "prom" || m.Metrics.Password != "secret" {
		t.Errorf("metrics = %+v", m.Metrics)
	}

	if len(m.Drivers) != 4 {
		t.Fatalf("got %d drivers", len(m.Drivers))
	}
	order := []stepper.Axis{stepper.X, stepper.Y, stepper.Z, stepper.E0}
	for i, a := range order {
		if m.Drivers[i].Axis != a {
			t.Errorf("Drivers[%d] = %s, want %s", i, m.Drivers[i].Axis, a)
		}
	}

	x := m.Drivers[0]
	if x.Model != driver.TMC2130 || x.Bus != BusSPI || x.SPIBus != "SPI0.0" || x.SPISpeed != 4000000 {
		t.Errorf("X = %+v", x)
	}
	if x.EnablePin == nil || x.EnablePin.Name != "GPIO22" || !x.EnablePin.ActiveHigh() {
		t.Errorf("X enable pin = %+v", x.EnablePin)
	}
	if x.SenseResistor != 0.075 || x.HoldMultiplier != 0.5 || x.MaxCurrent != 2000 {
		t.Errorf("X current = %+v", x)
	}
	if x.Motion != (stepper.Motion{Microsteps: 32, StepsPerMM: 160, Interpolate: true}) {
		t.Errorf("X motion = %+v", x.Motion)
	}
	if x.Defaults.Chopper != (driver.ChopperTiming{Toff: 3, Hend: -1, Hstrt: 4}) {
		t.Errorf("X chopper = %+v", x.Defaults.Chopper)
	}
	if x.StepDownMilliamps() != 0 {
		t.Errorf("TMC step-down override = %d", x.StepDownMilliamps())
	}
	if x.Connection() != "spi:SPI0.0" {
		t.Errorf("X connection = %s", x.Connection())
	}

	y := m.Drivers[1]
	if y.Bus != BusUART || y.Serial != "/dev/ttyAMA0" || y.UARTAddress != 2 || y.Baud != 115200 {
		t.Errorf("Y = %+v", y)
	}
	if !y.Defaults.StealthChop || y.Defaults.HybridThreshold != 100 || y.Defaults.HomingSensitivity != 80 {
		t.Errorf("Y defaults = %+v", y.Defaults)
	}
	if y.InitSettings().TPWMTHRS == 0 {
		t.Error("Y TPWMTHRS not derived from hybrid_threshold")
	}
	if y.Connection() != "uart:/dev/ttyAMA0@2" {
		t.Errorf("Y connection = %s", y.Connection())
	}

	z := m.Drivers[2]
	if z.MilliampsPerCount != driver.DefaultPerCount(driver.FamilyL6470) || z.KvalStepDown != 4 {
		t.Errorf("Z = %+v", z)
	}
	if got := z.StepDownMilliamps(); got != 47 {
		t.Errorf("Z step-down = %d, want 47", got)
	}
	if z.Connection() != "spi:default[1/2]" {
		t.Errorf("Z connection = %s", z.Connection())
	}
	if z.ChipConfig().PerCount != z.MilliampsPerCount {
		t.Error("ChipConfig drops ma_per_count")
	}
}

func TestParseMachineErrors(t *testing.T) {
	base := "[stepper_driver X]\ndriver: tmc2130\nrun_current: 800\n"
	tests := []struct {
		name string
		data string
		code derrors.ErrorCode
	}{
		{"no drivers", "[monitor]\n", derrors.ErrConfigSection},
		{"unknown section", base + "[heater_bed]\n", derrors.ErrConfigSection},
		{"unknown option", base + "typo: 1\n", derrors.ErrConfigValidation},
		{"bad axis", "[stepper_driver W]\ndriver: tmc2130\nrun_current: 1\n", derrors.ErrConfigSection},
		{"same axis", base + "[stepper_driver x]\ndriver: tmc2130\nrun_current: 1\n", derrors.ErrConfigSection},
		{"missing driver", "[stepper_driver X]\nrun_current: 800\n", derrors.ErrConfigOption},
		{"unknown driver", "[stepper_driver X]\ndriver: a4988\nrun_current: 800\n", derrors.ErrConfigValidation},
		{"missing run current", "[stepper_driver X]\ndriver: tmc2130\n", derrors.ErrConfigOption},
		{"run above max", base + "max_current: 700\n", derrors.ErrConfigValidation},
		{"uart on spi chip", base + "bus: uart\n", derrors.ErrConfigValidation},
		{"uart without serial", "[stepper_driver Y]\ndriver: tmc2208\nrun_current: 1\n", derrors.ErrConfigOption},
		{"bad microsteps", base + "microsteps: 12\n", derrors.ErrConfigValidation},
		{"bad toff", base + "toff: 0\n", derrors.ErrConfigValidation},
		{"sensitivity range", base + "homing_sensitivity: 64\n", derrors.ErrConfigValidation},
		{"stealth on 2660", "[stepper_driver X]\ndriver: tmc2660\nrun_current: 1\nstealthchop: true\n", derrors.ErrConfigValidation},
		{"tmc chain", base + "chain_length: 2\n", derrors.ErrConfigValidation},
		{"chain position", "[stepper_driver Z]\ndriver: l6470\nrun_current: 1\nchain_position: 1\n", derrors.ErrConfigValidation},
		{"chain slot clash", "[stepper_driver Z]\ndriver: l6470\nrun_current: 1\nchain_length: 2\n" +
			"[stepper_driver E0]\ndriver: l6470\nrun_current: 1\nchain_length: 2\n", derrors.ErrConfigValidation},
		{"chain length clash", "[stepper_driver Z]\ndriver: l6470\nrun_current: 1\nchain_length: 2\n" +
			"[stepper_driver E0]\ndriver: l6470\nrun_current: 1\nchain_length: 3\nchain_position: 1\n", derrors.ErrConfigValidation},
		{"half credentials", base + "[metrics]\nusername: a\n", derrors.ErrConfigValidation},
		{"zero poll", base + "[monitor]\npoll_interval: 0\n", derrors.ErrConfigValidation},
		{"ceiling", base + "[monitor]\nfault_ceiling: 0\n", derrors.ErrConfigValidation},
		{"bad enable pin", base + "enable_pin: ^GPIO1\n", derrors.ErrConfigType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadString(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			_, err = ParseMachine(cfg)
			if !derrors.Is(err, tt.code) {
				t.Errorf("ParseMachine() error = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestDriverErrorsCarryAxis(t *testing.T) {
	cfg, _ := LoadString("[stepper_driver Y2]\ndriver: tmc2130\nrun_current: 800\ntoff: 16\n")
	_, err := ParseMachine(cfg)
	de, ok := err.(*derrors.DriverError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if de.Axis != "Y2" || !strings.Contains(de.Error(), "toff") {
		t.Errorf("error = %v (axis %q)", de, de.Axis)
	}
}

func TestMachineDefaults(t *testing.T) {
	m := loadSample(t, "[stepper_driver E1]\ndriver: tmc2209\nbus: sim\nrun_current: 400\n")
	if m.Monitor.PollInterval != 500*time.Millisecond || m.Monitor.WatchdogTimeout != 5*time.Second {
		t.Errorf("monitor defaults = %+v", m.Monitor)
	}
	if m.Monitor.CommReminderTicks != 240 || m.Monitor.WarningsBeforeStepDown != 4 {
		t.Errorf("monitor defaults = %+v", m.Monitor)
	}
	if m.Settings != "~/.steppermon/settings.cbor" {
		t.Errorf("settings default = %s", m.Settings)
	}
	if m.Metrics.Listen != ":9130" || m.Metrics.Username != "" {
		t.Errorf("metrics defaults = %+v", m.Metrics)
	}
	d := m.Drivers[0]
	if d.Bus != BusSim || d.Connection() != "sim" || d.EnablePin != nil {
		t.Errorf("driver = %+v", d)
	}
	if d.Defaults.Chopper != (driver.ChopperTiming{Toff: 4, Hend: 1, Hstrt: 5}) {
		t.Errorf("chopper default = %+v", d.Defaults.Chopper)
	}
	if d.Motion.Microsteps != 16 || d.Motion.StepsPerMM != 80 {
		t.Errorf("motion default = %+v", d.Motion)
	}
}
