package api

import (
	"steppermon/pkg/report"
	"steppermon/pkg/safety"
	"steppermon/pkg/stepper"
	"steppermon/pkg/tuning"
)

// Scripter runs newline separated M-code scripts. *gcode.Dispatcher
// satisfies it.
type Scripter interface {
	ExecuteScript(script string) (string, error)
}

// Machine is the Backend over the live driver set.
type Machine struct {
	Set      *stepper.Set
	Lock     *stepper.BusLock
	Tuner    *tuning.Manager
	Commands Scripter
	Safety   *safety.Manager
}

// Drivers snapshots every instance. Register reads take the bus lock.
func (m *Machine) Drivers(registers bool) []report.Snapshot {
	if !registers {
		return report.Snapshots(m.Set.All(), false)
	}
	var out []report.Snapshot
	m.Lock.Do(func() error {
		out = report.Snapshots(m.Set.All(), true)
		return nil
	})
	return out
}

func (m *Machine) Execute(script string) (string, error) {
	return m.Commands.ExecuteScript(script)
}

func (m *Machine) Sensorless(a stepper.Axis, on bool) error {
	if on {
		return m.Tuner.EnableSensorless(a)
	}
	return m.Tuner.DisableSensorless(a)
}

func (m *Machine) Halt(msg string) error { return m.Safety.RequestHalt(msg) }

func (m *Machine) Reset() error { return m.Safety.Reset() }

func (m *Machine) Status() safety.Status { return m.Safety.Status() }
