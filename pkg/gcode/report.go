package gcode

import (
	"strings"
	"time"

	derrors "steppermon/pkg/errors"
	"steppermon/pkg/report"
)

// M122 [X] [Y] [Z] [E] [I] [V] [S<0|1>] [P<ms>]
//
//	S0/S1  stop or start the periodic debug line, P sets its interval
//	I      reinitialize the selected drivers before reporting
//	V      dump raw registers instead of the status table
func (d *Dispatcher) cmdM122(cmd *Command, out *strings.Builder) error {
	if cmd.Has("S") || cmd.HasValue("P") {
		if d.reporter == nil {
			return derrors.New(derrors.ErrUnsupported, "periodic reporting is not available")
		}
		if ms, ok, err := cmd.Int("P"); err != nil {
			return err
		} else if ok {
			if ms <= 0 {
				return derrors.RangeError("P", ms, 1, "max")
			}
			d.reporter.SetReportInterval(time.Duration(ms) * time.Millisecond)
		}
		if cmd.Has("S") {
			on, _, err := cmd.Bool("S")
			if err != nil {
				return err
			}
			d.reporter.SetReporting(on)
		}
		return nil
	}

	insts, err := d.selected(cmd)
	if err != nil {
		return err
	}
	// A bare I reinitializes; I<n> is an axis index handled by selected.
	if cmd.Has("I") && !cmd.HasValue("I") {
		for _, inst := range insts {
			if err := d.tuner.RestoreAfterReset(inst.Axis); err != nil {
				return err
			}
		}
	}
	if cmd.Has("V") {
		return d.lock.Do(func() error { return report.WriteRegisters(out, insts) })
	}
	return d.lock.Do(func() error {
		report.TestConnections(out, insts)
		return report.Write(out, insts)
	})
}

func (d *Dispatcher) needStore() error {
	if d.store == nil {
		return derrors.New(derrors.ErrPersist, "no settings store configured")
	}
	return nil
}

// M500 stores the current settings.
func (d *Dispatcher) cmdM500(cmd *Command, out *strings.Builder) error {
	if err := d.needStore(); err != nil {
		return err
	}
	if err := d.store.Save(d.tuner.Snapshot()); err != nil {
		return err
	}
	out.WriteString("Settings Stored\n")
	return nil
}

// M501 restores the stored settings and reprograms every driver.
func (d *Dispatcher) cmdM501(cmd *Command, out *strings.Builder) error {
	if err := d.needStore(); err != nil {
		return err
	}
	states, err := d.store.Load()
	if err != nil {
		return err
	}
	if err := d.tuner.Apply(states); err != nil {
		return err
	}
	out.WriteString("Stored settings retrieved\n")
	return nil
}

// M502 restores the machine config values. They are not stored until M500.
func (d *Dispatcher) cmdM502(cmd *Command, out *strings.Builder) error {
	if err := d.tuner.Apply(d.tuner.Defaults()); err != nil {
		return err
	}
	out.WriteString("Hardcoded Default Settings Loaded\n")
	return nil
}
