package gcode

import (
	"fmt"
	"sort"
	"strings"
	"time"

	derrors "steppermon/pkg/errors"
	"steppermon/pkg/log"
	"steppermon/pkg/stepper"
	"steppermon/pkg/tuning"
)

// Reporter is the part of the health monitor M122 controls.
type Reporter interface {
	SetReporting(on bool)
	Reporting() bool
	SetReportInterval(d time.Duration)
}

// Store persists the stored configuration for M500/M501.
type Store interface {
	Save(map[stepper.Axis]tuning.StoredState) error
	Load() (map[stepper.Axis]tuning.StoredState, error)
}

type handler func(cmd *Command, out *strings.Builder) error

// Dispatcher runs driver M-codes. It is safe for concurrent use; bus
// access is serialized by the bus lock.
type Dispatcher struct {
	set      *stepper.Set
	lock     *stepper.BusLock
	tuner    *tuning.Manager
	reporter Reporter
	store    Store
	handlers map[string]handler
	help     map[string]string
	logger   *log.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReporter enables M122 S/P.
func WithReporter(r Reporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// WithStore enables M500 and M501.
func WithStore(s Store) Option {
	return func(d *Dispatcher) { d.store = s }
}

// New creates a dispatcher over the configured drivers.
func New(set *stepper.Set, lock *stepper.BusLock, tuner *tuning.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		set:    set,
		lock:   lock,
		tuner:  tuner,
		logger: log.GetLogger("gcode"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.register()
	return d
}

func (d *Dispatcher) register() {
	d.handlers = make(map[string]handler)
	d.help = make(map[string]string)
	add := func(name, help string, h handler) {
		d.handlers[name] = h
		d.help[name] = help
	}
	add("M122", "Report driver status", d.cmdM122)
	add("M906", "Set or report motor current", d.cmdM906)
	add("M569", "Set or report stealthChop", d.cmdM569)
	add("M911", "Report overtemperature warning latch", d.cmdM911)
	add("M912", "Clear overtemperature warning latch", d.cmdM912)
	add("M913", "Set or report hybrid threshold", d.cmdM913)
	add("M914", "Set or report homing sensitivity", d.cmdM914)
	add("M919", "Set or report chopper timing", d.cmdM919)
	add("M930", "Set or report blank time", d.cmdM930)
	add("M931", "Set or report off time", d.cmdM931)
	add("M932", "Set or report hysteresis end", d.cmdM932)
	add("M933", "Set or report hysteresis start", d.cmdM933)
	add("M500", "Store settings", d.cmdM500)
	add("M501", "Restore settings", d.cmdM501)
	add("M502", "Restore configured defaults", d.cmdM502)
}

// Commands returns the supported command names with a one-line help.
func (d *Dispatcher) Commands() map[string]string {
	out := make(map[string]string, len(d.help))
	for k, v := range d.help {
		out[k] = v
	}
	return out
}

// Execute runs one line and returns the text it printed. Empty lines and
// comments return no output and no error.
func (d *Dispatcher) Execute(line string) (string, error) {
	cmd, err := Parse(line)
	if err != nil || cmd == nil {
		return "", err
	}
	h, ok := d.handlers[cmd.Name]
	if !ok {
		return "", derrors.GCodeUnknownCommandError(cmd.Name)
	}
	var out strings.Builder
	err = h(cmd, &out)
	entry := d.logger.WithField("cmd", cmd.Name)
	if err != nil {
		entry.WithError(err).Warn("command failed")
	} else {
		entry.Debug("command done")
	}
	return out.String(), err
}

// ExecuteScript runs a newline separated script, stopping at the first
// error.
func (d *Dispatcher) ExecuteScript(script string) (string, error) {
	var out strings.Builder
	for _, line := range strings.Split(script, "\n") {
		s, err := d.Execute(line)
		out.WriteString(s)
		if err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

var axisLetters = []byte{'X', 'Y', 'Z', 'E'}

// targets returns the instances a letter addresses. I selects one of the
// doubled axes (X2, Z3 ...), T one extruder.
func (d *Dispatcher) targets(cmd *Command, letter byte) ([]*stepper.Instance, error) {
	axes := stepper.AxesForLetter(letter)
	key := "I"
	if letter == 'E' {
		key = "T"
	}
	n, ok, err := cmd.Int(key)
	if err != nil {
		return nil, err
	}
	if ok {
		if n < 0 || n >= len(axes) {
			return nil, derrors.RangeError(key, n, 0, len(axes)-1)
		}
		inst, err := d.set.Get(axes[n])
		if err != nil {
			return nil, err
		}
		return []*stepper.Instance{inst}, nil
	}
	var out []*stepper.Instance
	for _, a := range axes {
		if inst, err := d.set.Get(a); err == nil {
			out = append(out, inst)
		}
	}
	return out, nil
}

// selected returns the instances named by bare axis letters, or every
// instance when none is given.
func (d *Dispatcher) selected(cmd *Command) ([]*stepper.Instance, error) {
	var out []*stepper.Instance
	seen := false
	for _, l := range axisLetters {
		if !cmd.Has(string(l)) {
			continue
		}
		seen = true
		insts, err := d.targets(cmd, l)
		if err != nil {
			return nil, err
		}
		out = append(out, insts...)
	}
	if !seen {
		return d.set.All(), nil
	}
	return out, nil
}

// perAxis sets the value given with each axis letter and reports the
// letters given without one. With no axis letters every driver accepted
// by filter is reported. Every value is checked before the first write,
// so a rejected value leaves all drivers unchanged.
func (d *Dispatcher) perAxis(cmd *Command, filter func(*stepper.Instance) bool,
	check, set func(*stepper.Instance, int) error, report func(*stepper.Instance) error) error {
	type step struct {
		inst *stepper.Instance
		v    int
		set  bool
	}
	var steps []step
	seen := false
	for _, l := range axisLetters {
		key := string(l)
		if !cmd.Has(key) {
			continue
		}
		seen = true
		insts, err := d.targets(cmd, l)
		if err != nil {
			return err
		}
		v, ok, err := cmd.Int(key)
		if err != nil {
			return err
		}
		for _, inst := range insts {
			steps = append(steps, step{inst: inst, v: v, set: ok})
		}
	}
	if !seen {
		for _, inst := range d.set.All() {
			if filter == nil || filter(inst) {
				steps = append(steps, step{inst: inst})
			}
		}
	}

	for _, st := range steps {
		if st.set {
			if err := check(st.inst, st.v); err != nil {
				return err
			}
		}
	}
	for _, st := range steps {
		var err error
		if st.set {
			err = set(st.inst, st.v)
		} else {
			err = report(st.inst)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// sortedCommands lists the registered names in order.
func (d *Dispatcher) sortedCommands() []string {
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Help writes one line per command.
func (d *Dispatcher) Help() string {
	var b strings.Builder
	for _, n := range d.sortedCommands() {
		fmt.Fprintf(&b, "%s: %s\n", n, d.help[n])
	}
	return b.String()
}
