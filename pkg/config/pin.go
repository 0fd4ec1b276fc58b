package config

import (
	"strings"

	derrors "steppermon/pkg/errors"
)

// Pin is a host GPIO used as a driver enable line. Enable lines are active
// low; a leading ! makes the pin active high.
type Pin struct {
	Name   string // periph gpioreg name, e.g. "GPIO22"
	Invert bool
}

// ActiveHigh reports the level that enables the driver.
func (p Pin) ActiveHigh() bool {
	return p.Invert
}

func (p Pin) String() string {
	if p.Invert {
		return "!" + p.Name
	}
	return p.Name
}

// ParsePin parses "[!]name".
func ParsePin(desc string) (Pin, error) {
	d := strings.TrimSpace(desc)
	var p Pin
	if strings.HasPrefix(d, "!") {
		p.Invert = true
		d = strings.TrimSpace(d[1:])
	}
	if d == "" {
		return Pin{}, derrors.Newf(derrors.ErrConfigType, "empty pin name in specification %q", desc)
	}
	if strings.ContainsAny(d, "^~!: \t") {
		return Pin{}, derrors.Newf(derrors.ErrConfigType, "invalid characters in pin name %q", desc)
	}
	p.Name = d
	return p, nil
}

// GetPinOptional returns the pin named by option, or nil when the option is
// absent or empty.
func (s *Section) GetPinOptional(option string) (*Pin, error) {
	v, err := s.Get(option, "")
	if err != nil || strings.TrimSpace(v) == "" {
		return nil, err
	}
	pin, err := ParsePin(v)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.ErrConfigType, "section '"+s.name+"'").SetParam(option)
	}
	return &pin, nil
}
