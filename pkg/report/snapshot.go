package report

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"steppermon/pkg/driver"
	"steppermon/pkg/stepper"
)

// HealthSnapshot is the decoded status of the latest poll.
type HealthSnapshot struct {
	Raw           string `json:"raw" yaml:"raw"`
	OverTemp      bool   `json:"over_temp" yaml:"over_temp"`
	OverTempWarn  bool   `json:"over_temp_warning" yaml:"over_temp_warning"`
	ShortToGround bool   `json:"short_to_ground" yaml:"short_to_ground"`
	Stalled       bool   `json:"stalled" yaml:"stalled"`
	CommError     bool   `json:"comm_error" yaml:"comm_error"`
	OverCurrent   bool   `json:"over_current,omitempty" yaml:"over_current,omitempty"`
	UnderVoltage  bool   `json:"under_voltage,omitempty" yaml:"under_voltage,omitempty"`
	HiZ           bool   `json:"hiz,omitempty" yaml:"hiz,omitempty"`
}

// RegisterSnapshot is one register of a dump.
type RegisterSnapshot struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
	Valid bool   `json:"valid" yaml:"valid"`
}

// Snapshot is the tool-readable state of one driver.
type Snapshot struct {
	Axis             string               `json:"axis" yaml:"axis"`
	Model            string               `json:"model" yaml:"model"`
	Connection       string               `json:"connection,omitempty" yaml:"connection,omitempty"`
	Enabled          bool                 `json:"enabled" yaml:"enabled"`
	SetCurrent       int                  `json:"set_current_ma" yaml:"set_current_ma"`
	RMSCurrent       int                  `json:"rms_current_ma" yaml:"rms_current_ma"`
	RatedCurrent     int                  `json:"rated_current_ma" yaml:"rated_current_ma"`
	RunScale         int                  `json:"run_scale" yaml:"run_scale"`
	HoldScale        int                  `json:"hold_scale" yaml:"hold_scale"`
	Microsteps       int                  `json:"microsteps" yaml:"microsteps"`
	StealthChop      bool                 `json:"stealthchop" yaml:"stealthchop"`
	Health           HealthSnapshot       `json:"health" yaml:"health"`
	FaultTicks       uint8                `json:"fault_ticks" yaml:"fault_ticks"`
	OverTempWarnings uint8                `json:"over_temp_warnings" yaml:"over_temp_warnings"`
	OverTempLatched  bool                 `json:"over_temp_latched" yaml:"over_temp_latched"`
	CommLost         bool                 `json:"comm_lost" yaml:"comm_lost"`
	Homing           bool                 `json:"homing" yaml:"homing"`
	Stored           stepper.StoredConfig `json:"stored" yaml:"stored"`
	Registers        []RegisterSnapshot   `json:"registers,omitempty" yaml:"registers,omitempty"`
}

// Snapshots builds snapshots from the runtime state and register shadows.
// With registers set every register is read from the chip, which needs
// the bus lock.
func Snapshots(insts []*stepper.Instance, registers bool) []Snapshot {
	out := make([]Snapshot, 0, len(insts))
	for _, inst := range insts {
		st := inst.State()
		run, hold := inst.Chip.CurrentScale()
		h := st.LastHealth
		s := Snapshot{
			Axis:         inst.Label(),
			Model:        inst.Chip.Model().Label(),
			Connection:   inst.Connection,
			Enabled:      inst.Chip.Enabled(),
			SetCurrent:   int(st.AppliedMilliamps),
			RMSCurrent:   inst.Chip.RMSCurrent(),
			RatedCurrent: inst.Rated,
			RunScale:     run,
			HoldScale:    hold,
			Microsteps:   inst.Chip.Microsteps(),
			StealthChop:  inst.Chip.Model().HasStealthChop() && inst.Chip.StealthChop(),
			Health: HealthSnapshot{
				Raw:           fmt.Sprintf("0x%08X", h.Raw),
				OverTemp:      h.OverTemp,
				OverTempWarn:  h.OverTempWarn,
				ShortToGround: h.ShortToGround,
				Stalled:       h.Stalled,
				CommError:     h.CommError || st.CommLost,
				OverCurrent:   h.OverCurrent,
				UnderVoltage:  h.UnderVoltage,
				HiZ:           h.HiZ,
			},
			FaultTicks:       st.FaultTicks,
			OverTempWarnings: st.OverTempWarnings,
			OverTempLatched:  st.OTPWLatched,
			CommLost:         st.CommLost,
			Homing:           inst.Homing(),
			Stored:           inst.Stored(),
		}
		if registers {
			for _, rv := range inst.Chip.Registers() {
				s.Registers = append(s.Registers, RegisterSnapshot{
					Name:  rv.Name,
					Value: fmt.Sprintf("0x%08X", rv.Value),
					Valid: rv.Valid,
				})
			}
		}
		out = append(out, s)
	}
	return out
}

// WriteYAML encodes snapshots as a YAML document keyed by "drivers".
func WriteYAML(w io.Writer, snaps []Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	doc := struct {
		Drivers []Snapshot `yaml:"drivers"`
	}{snaps}
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// Reasons lists the fault conditions of a status read, for log lines.
func Reasons(h driver.Health) []string {
	var out []string
	if h.OverTemp {
		out = append(out, "overtemperature")
	}
	if h.ShortA {
		out = append(out, "short to ground (coil A)")
	}
	if h.ShortB {
		out = append(out, "short to ground (coil B)")
	}
	if h.ShortToGround && !h.ShortA && !h.ShortB {
		out = append(out, "short to ground")
	}
	if h.Stalled {
		out = append(out, "stall")
	}
	if h.OverCurrent {
		out = append(out, "over current")
	}
	if h.UnderVoltage {
		out = append(out, "under voltage lock out")
	}
	return out
}
