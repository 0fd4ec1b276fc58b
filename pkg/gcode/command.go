// Package gcode dispatches the driver M-codes (M122, M906, M569,
// M911-M914, M919, M930-M933, M500-M502) to the tuning manager, the
// health monitor and the settings store.
package gcode

import (
	"regexp"
	"strconv"
	"strings"

	derrors "steppermon/pkg/errors"
)

// Command is one parsed line.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Parse splits a line into a command name and arguments. Comments after
// ';' and in parentheses are dropped. It returns nil for an empty line.
func Parse(line string) (*Command, error) {
	ln := line
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	if ln == "" {
		return nil, nil
	}
	// Line numbers and checksums from hosts that send them.
	if ln[0] == 'N' || ln[0] == 'n' {
		if sp := strings.IndexAny(ln, " \t"); sp > 0 {
			ln = strings.TrimSpace(ln[sp:])
		}
	}
	if idx := strings.IndexByte(ln, '*'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}

	fields := strings.Fields(ln)
	if len(fields) == 0 {
		return nil, nil
	}
	name := strings.ToUpper(fields[0])
	if len(name) < 2 || (name[0] != 'M' && name[0] != 'G') {
		return nil, derrors.GCodeParseError(line, "expected a G or M command")
	}
	if _, err := strconv.Atoi(name[1:]); err != nil {
		return nil, derrors.GCodeParseError(line, "bad command number")
	}

	args := make(map[string]string)
	for _, f := range fields[1:] {
		k := strings.ToUpper(f[:1])
		if k[0] < 'A' || k[0] > 'Z' {
			return nil, derrors.GCodeParseError(line, "bad parameter "+f)
		}
		args[k] = strings.TrimSpace(f[1:])
	}
	return &Command{Name: name, Args: args, Raw: line}, nil
}

// Has reports whether the parameter appears, with or without a value.
func (c *Command) Has(key string) bool {
	_, ok := c.Args[key]
	return ok
}

// HasValue reports whether the parameter appears with a value.
func (c *Command) HasValue(key string) bool {
	return c.Args[key] != ""
}

// Int returns an integer parameter. ok is false when it is absent or has
// no value.
func (c *Command) Int(key string) (v int, ok bool, err error) {
	s := c.Args[key]
	if s == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, derrors.GCodeParseError(c.Raw, "parameter "+key+" is not a number").SetParam(key)
	}
	return int(f), true, nil
}

// Bool returns a parameter as a flag: "1" and any non-zero number are
// true.
func (c *Command) Bool(key string) (v bool, ok bool, err error) {
	n, ok, err := c.Int(key)
	return n != 0, ok, err
}
