package gcode

import (
	"fmt"
	"strings"

	"steppermon/pkg/driver"
	"steppermon/pkg/stepper"
)

func hasStealthChop(inst *stepper.Instance) bool { return inst.Chip.Model().HasStealthChop() }
func hasChopper(inst *stepper.Instance) bool     { return inst.Chip.Model().HasChopperTiming() }
func isTMC(inst *stepper.Instance) bool          { return inst.Chip.Family().IsTMC() }

func hasSensitivity(inst *stepper.Instance) bool {
	_, _, ok := inst.Chip.Model().SensitivityRange()
	return ok
}

// M906 X<mA> Y<mA> Z<mA> E<mA> [I<index>] [T<extruder>]
func (d *Dispatcher) cmdM906(cmd *Command, out *strings.Builder) error {
	return d.perAxis(cmd, nil,
		func(inst *stepper.Instance, v int) error {
			return d.tuner.CheckCurrent(inst.Axis, v)
		},
		func(inst *stepper.Instance, v int) error {
			_, err := d.tuner.SetCurrent(inst.Axis, v)
			return err
		},
		func(inst *stepper.Instance) error {
			applied, _, err := d.tuner.Current(inst.Axis)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s driver current: %d\n", inst.Label(), applied)
			return nil
		})
}

// M569 S<0|1> [X] [Y] [Z] [E] [I<index>] [T<extruder>]
func (d *Dispatcher) cmdM569(cmd *Command, out *strings.Builder) error {
	insts, err := d.selected(cmd)
	if err != nil {
		return err
	}
	on, set, err := cmd.Bool("S")
	if err != nil {
		return err
	}
	explicit := hasAxis(cmd)
	for _, inst := range insts {
		if !explicit && !hasStealthChop(inst) {
			continue
		}
		if set {
			if err := d.tuner.SetStealthChop(inst.Axis, on); err != nil {
				return err
			}
			continue
		}
		sc, err := d.tuner.StealthChop(inst.Axis)
		if err != nil {
			return err
		}
		mode := "spreadCycle"
		if sc {
			mode = "stealthChop"
		}
		fmt.Fprintf(out, "%s driver mode:\t%s\n", inst.Label(), mode)
	}
	return nil
}

func hasAxis(cmd *Command) bool {
	for _, l := range axisLetters {
		if cmd.Has(string(l)) {
			return true
		}
	}
	return false
}

// M911 reports the overtemperature warning latch.
func (d *Dispatcher) cmdM911(cmd *Command, out *strings.Builder) error {
	insts, err := d.selected(cmd)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		latched, err := d.tuner.OverTempLatched(inst.Axis)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %t\n", inst.Label(), latched)
	}
	return nil
}

// M912 [X] [Y] [Z] [E] clears the latch; no axis clears every driver.
func (d *Dispatcher) cmdM912(cmd *Command, out *strings.Builder) error {
	insts, err := d.selected(cmd)
	if err != nil {
		return err
	}
	for _, inst := range insts {
		if err := d.tuner.ClearOverTempLatch(inst.Axis); err != nil {
			return err
		}
	}
	return nil
}

// M913 X<mm/s> ... sets the hybrid threshold.
func (d *Dispatcher) cmdM913(cmd *Command, out *strings.Builder) error {
	return d.perAxis(cmd, hasStealthChop,
		func(inst *stepper.Instance, v int) error {
			return d.tuner.CheckHybridThreshold(inst.Axis, v)
		},
		func(inst *stepper.Instance, v int) error {
			_, err := d.tuner.SetHybridThreshold(inst.Axis, uint32(v))
			return err
		},
		func(inst *stepper.Instance) error {
			mmps, err := d.tuner.HybridThreshold(inst.Axis)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d\n", inst.Label(), mmps)
			return nil
		})
}

// M914 X<value> ... sets the homing sensitivity, clamped to the chip range.
func (d *Dispatcher) cmdM914(cmd *Command, out *strings.Builder) error {
	return d.perAxis(cmd, hasSensitivity,
		func(inst *stepper.Instance, v int) error {
			return d.tuner.CheckHomingSensitivity(inst.Axis)
		},
		func(inst *stepper.Instance, v int) error {
			_, err := d.tuner.SetHomingSensitivity(inst.Axis, v)
			return err
		},
		func(inst *stepper.Instance) error {
			v, err := d.tuner.HomingSensitivity(inst.Axis)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d\n", inst.Label(), v)
			return nil
		})
}

// M919 O<toff> P<hend> S<hstrt> [X] [Y] [Z] [E] sets the chopper timing.
// Parameters not given keep their current value.
func (d *Dispatcher) cmdM919(cmd *Command, out *strings.Builder) error {
	insts, err := d.selected(cmd)
	if err != nil {
		return err
	}
	toff, setO, err := cmd.Int("O")
	if err != nil {
		return err
	}
	hend, setP, err := cmd.Int("P")
	if err != nil {
		return err
	}
	hstrt, setS, err := cmd.Int("S")
	if err != nil {
		return err
	}
	explicit := hasAxis(cmd)
	var (
		targets []*stepper.Instance
		timings []driver.ChopperTiming
	)
	for _, inst := range insts {
		if !explicit && !hasChopper(inst) {
			continue
		}
		ct, err := d.tuner.ChopperTiming(inst.Axis)
		if err != nil {
			return err
		}
		if !setO && !setP && !setS {
			fmt.Fprintf(out, "%s toff:%d hend:%d hstrt:%d\n", inst.Label(), ct.Toff, ct.Hend, ct.Hstrt)
			continue
		}
		if setO {
			ct.Toff = toff
		}
		if setP {
			ct.Hend = hend
		}
		if setS {
			ct.Hstrt = hstrt
		}
		if err := d.tuner.CheckChopperTiming(inst.Axis, ct); err != nil {
			return err
		}
		targets = append(targets, inst)
		timings = append(timings, ct)
	}
	for i, inst := range targets {
		if err := d.tuner.SetChopperTiming(inst.Axis, timings[i]); err != nil {
			return err
		}
	}
	return nil
}

// chopperField handles M931-M933, which set one chopper timing field per
// axis letter.
func (d *Dispatcher) chopperField(cmd *Command, out *strings.Builder, name string,
	get func(driver.ChopperTiming) int, set func(*driver.ChopperTiming, int)) error {
	with := func(inst *stepper.Instance, v int) (driver.ChopperTiming, error) {
		ct, err := d.tuner.ChopperTiming(inst.Axis)
		if err != nil {
			return ct, err
		}
		set(&ct, v)
		return ct, nil
	}
	return d.perAxis(cmd, hasChopper,
		func(inst *stepper.Instance, v int) error {
			ct, err := with(inst, v)
			if err != nil {
				return err
			}
			return d.tuner.CheckChopperTiming(inst.Axis, ct)
		},
		func(inst *stepper.Instance, v int) error {
			ct, err := with(inst, v)
			if err != nil {
				return err
			}
			return d.tuner.SetChopperTiming(inst.Axis, ct)
		},
		func(inst *stepper.Instance) error {
			ct, err := d.tuner.ChopperTiming(inst.Axis)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s: %d\n", inst.Label(), name, get(ct))
			return nil
		})
}

// M930 X<tbl> ... sets the comparator blank time.
func (d *Dispatcher) cmdM930(cmd *Command, out *strings.Builder) error {
	return d.perAxis(cmd, isTMC,
		func(inst *stepper.Instance, v int) error {
			return d.tuner.CheckBlankTime(inst.Axis, v)
		},
		func(inst *stepper.Instance, v int) error {
			return d.tuner.SetBlankTime(inst.Axis, v)
		},
		func(inst *stepper.Instance) error {
			v, err := d.tuner.BlankTime(inst.Axis)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s blank_time: %d\n", inst.Label(), v)
			return nil
		})
}

// M931 X<toff> ...
func (d *Dispatcher) cmdM931(cmd *Command, out *strings.Builder) error {
	return d.chopperField(cmd, out, "off_time",
		func(ct driver.ChopperTiming) int { return ct.Toff },
		func(ct *driver.ChopperTiming, v int) { ct.Toff = v })
}

// M932 X<hend> ...
func (d *Dispatcher) cmdM932(cmd *Command, out *strings.Builder) error {
	return d.chopperField(cmd, out, "hysteresis_end",
		func(ct driver.ChopperTiming) int { return ct.Hend },
		func(ct *driver.ChopperTiming, v int) { ct.Hend = v })
}

// M933 X<hstrt> ...
func (d *Dispatcher) cmdM933(cmd *Command, out *strings.Builder) error {
	return d.chopperField(cmd, out, "hysteresis_start",
		func(ct driver.ChopperTiming) int { return ct.Hstrt },
		func(ct *driver.ChopperTiming, v int) { ct.Hstrt = v })
}
