// Unified error handling for the driver monitor
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Operator input errors
	ErrRange       ErrorCode = "RANGE"
	ErrUnknownAxis ErrorCode = "UNKNOWN_AXIS"
	ErrUnsupported ErrorCode = "UNSUPPORTED"

	// Bus and device errors
	ErrComm  ErrorCode = "COMM"
	ErrProbe ErrorCode = "PROBE"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
	ErrPersist ErrorCode = "PERSIST"
	ErrHalted  ErrorCode = "HALT"

	// G-code errors
	ErrGCodeParse      ErrorCode = "GCODE_PARSE"
	ErrGCodeUnknownCmd ErrorCode = "GCODE_UNKNOWN_CMD"
)

// DriverError is the error type returned across the monitor packages.
type DriverError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Axis is the driver label, if the error concerns one driver
	Axis string

	// Param is the parameter or config option involved
	Param string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *DriverError) Error() string {
	where := e.Axis
	if where == "" {
		where = e.Param
	}
	msg := fmt.Sprintf("[%s:%s] %s", e.Code, where, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *DriverError) Unwrap() error {
	return e.Err
}

// SetAxis sets the driver label
func (e *DriverError) SetAxis(axis string) *DriverError {
	e.Axis = axis
	return e
}

// SetParam sets the parameter name
func (e *DriverError) SetParam(param string) *DriverError {
	e.Param = param
	return e
}

// SetContext adds additional context
func (e *DriverError) SetContext(key string, value interface{}) *DriverError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with a category
func Wrap(err error, code ErrorCode, message string) *DriverError {
	return &DriverError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new DriverError
func New(code ErrorCode, message string) *DriverError {
	return &DriverError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new DriverError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *DriverError {
	return New(code, fmt.Sprintf(format, args...))
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *DriverError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetParam(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *DriverError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetParam(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *DriverError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetParam(option)
}

// Operator errors

// RangeError rejects a value outside [lo, hi].
func RangeError(param string, value, lo, hi interface{}) *DriverError {
	return New(ErrRange, fmt.Sprintf("%s %v out of range [%v, %v]", param, value, lo, hi)).
		SetParam(param).
		SetContext("min", lo).
		SetContext("max", hi)
}

// UnknownAxisError reports an axis that has no configured driver.
func UnknownAxisError(axis string) *DriverError {
	return New(ErrUnknownAxis, fmt.Sprintf("no driver configured for axis %s", axis)).
		SetAxis(axis)
}

// UnsupportedError reports an operation the chip family cannot perform.
func UnsupportedError(model, operation string) *DriverError {
	return New(ErrUnsupported, fmt.Sprintf("%s does not support %s", model, operation)).
		SetParam(operation)
}

// Bus errors

// CommError wraps a failed bus transfer.
func CommError(err error, operation string) *DriverError {
	return Wrap(err, ErrComm, operation)
}

// ProbeError reports a bad device identification at init.
func ProbeError(axis, reason string) *DriverError {
	return New(ErrProbe, fmt.Sprintf("driver probe failed: %s", reason)).SetAxis(axis)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *DriverError {
	return New(ErrRuntime, message)
}

// PersistError wraps a settings storage failure.
func PersistError(err error, message string) *DriverError {
	return Wrap(err, ErrPersist, message)
}

// GCodeParseError creates an error for G-code parsing failure
func GCodeParseError(line string, reason string) *DriverError {
	return New(ErrGCodeParse, fmt.Sprintf("failed to parse G-code: %s (reason: %s)", line, reason))
}

// GCodeUnknownCommandError creates an error for unknown G-code command
func GCodeUnknownCommandError(command string) *DriverError {
	return New(ErrGCodeUnknownCmd, fmt.Sprintf("unknown G-code command: %s", command))
}

// RecoverPanic safely recovers from panic and converts to error.
// It must be called directly from a deferred function.
func RecoverPanic(r interface{}) *DriverError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case runtime.Error:
		return RuntimeError(x.Error())
	case error:
		return Wrap(x, ErrRuntime, "panic")
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in the chain carries the given code
func Is(err error, code ErrorCode) bool {
	var de *DriverError
	for err != nil {
		if !stderrors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsOperator checks if error was caused by operator input
func IsOperator(err error) bool {
	return Is(err, ErrRange) ||
		Is(err, ErrUnknownAxis) ||
		Is(err, ErrUnsupported)
}
