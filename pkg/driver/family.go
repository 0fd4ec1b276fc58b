package driver

import (
	"fmt"
	"strings"
)

// Family identifies a status register layout. It is fixed when a chip is
// created and selects the decoder used for every poll.
type Family int

const (
	FamilyTMC2130 Family = iota // TMC2130, TMC5130, TMC2160, TMC5160
	FamilyTMC220x               // TMC2208, TMC2209
	FamilyTMC2660
	FamilyL6470
	FamilyL6474
	FamilyL6480 // L6480, powerSTEP01
)

func (f Family) String() string {
	switch f {
	case FamilyTMC2130:
		return "TMC2130"
	case FamilyTMC220x:
		return "TMC220x"
	case FamilyTMC2660:
		return "TMC2660"
	case FamilyL6470:
		return "L6470"
	case FamilyL6474:
		return "L6474"
	case FamilyL6480:
		return "L6480"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// IsTMC reports whether the family is a Trinamic chip.
func (f Family) IsTMC() bool {
	return f == FamilyTMC2130 || f == FamilyTMC220x || f == FamilyTMC2660
}

// IsL64XX reports whether the family is an ST dSPIN chip.
func (f Family) IsL64XX() bool {
	return f == FamilyL6470 || f == FamilyL6474 || f == FamilyL6480
}

// Model is the concrete part number. Several models share a Family but
// differ in optional features such as StallGuard.
type Model string

const (
	TMC2130     Model = "tmc2130"
	TMC5130     Model = "tmc5130"
	TMC2160     Model = "tmc2160"
	TMC5160     Model = "tmc5160"
	TMC2208     Model = "tmc2208"
	TMC2209     Model = "tmc2209"
	TMC2660     Model = "tmc2660"
	L6470       Model = "l6470"
	L6474       Model = "l6474"
	L6480       Model = "l6480"
	PowerSTEP01 Model = "powerstep01"
)

var modelFamilies = map[Model]Family{
	TMC2130:     FamilyTMC2130,
	TMC5130:     FamilyTMC2130,
	TMC2160:     FamilyTMC2130,
	TMC5160:     FamilyTMC2130,
	TMC2208:     FamilyTMC220x,
	TMC2209:     FamilyTMC220x,
	TMC2660:     FamilyTMC2660,
	L6470:       FamilyL6470,
	L6474:       FamilyL6474,
	L6480:       FamilyL6480,
	PowerSTEP01: FamilyL6480,
}

// ParseModel parses a driver name as written in the config file.
func ParseModel(s string) (Model, error) {
	m := Model(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modelFamilies[m]; !ok {
		return "", fmt.Errorf("unknown driver type %q", s)
	}
	return m, nil
}

// Family returns the status layout family of the model.
func (m Model) Family() Family {
	return modelFamilies[m]
}

// Label is the upper-case part number used in reports.
func (m Model) Label() string {
	return strings.ToUpper(string(m))
}

// SensitivityRange returns the valid StallGuard threshold interval for
// the model. ok is false when the model has no stall detection threshold.
func (m Model) SensitivityRange() (lo, hi int, ok bool) {
	switch m {
	case TMC2130, TMC5130, TMC2160, TMC5160, TMC2660:
		return -64, 63, true
	case TMC2209:
		return 0, 255, true
	case L6470:
		return 0, 127, true
	case L6480, PowerSTEP01:
		return 0, 31, true
	}
	return 0, 0, false
}

// HasStealthChop reports whether the model can switch chopper modes.
func (m Model) HasStealthChop() bool {
	f := m.Family()
	return f == FamilyTMC2130 || f == FamilyTMC220x
}

// HasChopperTiming reports whether off time and hysteresis are writable.
func (m Model) HasChopperTiming() bool {
	return m.Family().IsTMC()
}
