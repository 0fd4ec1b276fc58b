// Package config parses the machine configuration file. The file format
// is INI-like: [section] headers, "key: value" or
// "key = value" options, # comments and [include glob] directives.
// Options are access tracked so that typos surface as errors.
package config

import (
	"fmt"
	"strconv"

	derrors "steppermon/pkg/errors"
)

func errMissingSection(section string) *derrors.DriverError {
	return derrors.ConfigSectionError(section)
}

func errMissingOption(section, option string) *derrors.DriverError {
	return derrors.ConfigOptionError(section, option)
}

func errInvalidValue(section, option, value, expected string) *derrors.DriverError {
	return derrors.New(derrors.ErrConfigType,
		fmt.Sprintf("option '%s' in section '%s': invalid value '%s', expected %s", option, section, value, expected)).
		SetParam(option)
}

func errOutOfRange(section, option string, value float64, constraint string) *derrors.DriverError {
	return derrors.ConfigValidationError(section, option,
		fmt.Sprintf("value %s %s", strconv.FormatFloat(value, 'f', -1, 64), constraint))
}

func errInvalidChoice(section, option, value string, choices []string) *derrors.DriverError {
	return derrors.ConfigValidationError(section, option,
		fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}

func errSyntax(file string, line int, msg string) *derrors.DriverError {
	return derrors.Newf(derrors.ErrConfigValidation, "%s:%d: %s", file, line, msg)
}
