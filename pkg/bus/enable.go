package bus

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// LevelReader samples a GPIO level. periph gpio.PinIn satisfies it.
type LevelReader interface {
	Read() gpio.Level
}

// EnablePin senses a driver enable line owned by the motion controller.
type EnablePin struct {
	pin        LevelReader
	activeHigh bool
}

// NewEnablePin wraps a pin. Driver enable lines are active low unless
// activeHigh is set.
func NewEnablePin(pin LevelReader, activeHigh bool) *EnablePin {
	return &EnablePin{pin: pin, activeHigh: activeHigh}
}

// OpenEnablePin looks up a pin by gpioreg name and configures it as a
// floating input.
func OpenEnablePin(name string, activeHigh bool) (*EnablePin, error) {
	if err := InitHost(); err != nil {
		return nil, err
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("bus: unknown gpio %q", name)
	}
	if err := p.In(gpio.Float, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("bus: configure %s: %w", name, err)
	}
	return NewEnablePin(p, activeHigh), nil
}

// Enabled reports whether the driver outputs are enabled.
func (e *EnablePin) Enabled() bool {
	return e.pin.Read() == gpio.Level(e.activeHigh)
}
