// Package machine opens the configured drivers and assembles them into a
// stepper.Set ready for the monitor and the configuration manager.
package machine

import (
	"steppermon/pkg/bus"
	"steppermon/pkg/config"
	"steppermon/pkg/driver"
	"steppermon/pkg/log"
	"steppermon/pkg/sim"
	"steppermon/pkg/stepper"
)

// Machine is the opened driver set.
type Machine struct {
	Config *config.Machine
	Set    *stepper.Set
	Lock   *stepper.BusLock
	// Sims holds the simulated chips of drivers on bus: sim.
	Sims map[stepper.Axis]*sim.Chip

	registry *bus.Registry
}

// Open opens every driver section through reg and runs its power-on
// init. A driver that fails init is kept: the monitor reports it as lost
// and restores it once it answers.
func Open(cfg *config.Machine, reg *bus.Registry) (*Machine, error) {
	logger := log.GetLogger("machine")
	m := &Machine{
		Config:   cfg,
		Set:      &stepper.Set{},
		Lock:     &stepper.BusLock{},
		Sims:     make(map[stepper.Axis]*sim.Chip),
		registry: reg,
	}
	for i := range cfg.Drivers {
		d := &cfg.Drivers[i]
		ep, err := reg.Open(d)
		if err != nil {
			reg.Close()
			return nil, err
		}
		chipCfg := d.ChipConfig()
		chipCfg.Enable = ep.Enable
		chip, err := driver.NewChip(ep.Bus, chipCfg)
		if err != nil {
			reg.Close()
			return nil, err
		}
		if ep.Sim != nil {
			m.Sims[d.Axis] = ep.Sim
		}

		inst := stepper.NewInstance(d.Axis, chip, d.MaxCurrent, d.RunCurrent, d.Motion, d.Defaults)
		inst.Connection = d.Connection()
		inst.StepDown = d.StepDownMilliamps()
		m.Set.Add(inst)

		entry := logger.WithFields(log.Fields{"axis": inst.Label(), "driver": d.Model.Label()})
		if err := chip.Init(d.InitSettings()); err != nil {
			entry.WithError(err).Warn("driver init failed")
			continue
		}
		entry.Debugf("initialized at %d mA", d.RunCurrent)
	}
	return m, nil
}

// Chips returns every driver chip in polling order.
func (m *Machine) Chips() []*driver.Chip {
	out := make([]*driver.Chip, 0, m.Set.Len())
	for _, inst := range m.Set.All() {
		out = append(out, inst.Chip)
	}
	return out
}

// Close releases the buses.
func (m *Machine) Close() error {
	return m.registry.Close()
}
