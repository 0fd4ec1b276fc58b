package config

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section is one [section] of the file. Every getter marks its option as
// accessed, including when the fallback is used.
type Section struct {
	name    string
	options map[string]string

	mu       sync.RWMutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

func (s *Section) markAccessed(option string) {
	s.mu.Lock()
	s.accessed[strings.ToLower(option)] = struct{}{}
	s.mu.Unlock()
}

// GetUnusedOptions returns the options no getter asked for.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	return result
}

// HasOption reports whether an option exists in this section.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// lookup returns the raw value. present is false when the option is absent
// and no fallback was given.
func (s *Section) lookup(option string, haveFallback bool) (raw string, present bool, err error) {
	s.markAccessed(option)
	if v, ok := s.options[strings.ToLower(option)]; ok {
		return v, true, nil
	}
	if haveFallback {
		return "", false, nil
	}
	return "", false, errMissingOption(s.name, option)
}

// Get returns a string option value.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	v, present, err := s.lookup(option, len(fallback) > 0)
	if err != nil {
		return "", err
	}
	if !present {
		return fallback[0], nil
	}
	return v, nil
}

// GetInt returns an integer option value.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	v, present, err := s.lookup(option, len(fallback) > 0)
	if err != nil {
		return 0, err
	}
	if !present {
		return fallback[0], nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errInvalidValue(s.name, option, v, "integer")
	}
	return i, nil
}

// IntBounds specifies inclusive bounds for GetIntWithBounds.
type IntBounds struct {
	MinVal *int
	MaxVal *int
}

// GetIntWithBounds returns an integer option value with bounds checking.
func (s *Section) GetIntWithBounds(option string, bounds IntBounds, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if bounds.MinVal != nil && v < *bounds.MinVal {
		return 0, errOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(*bounds.MinVal))
	}
	if bounds.MaxVal != nil && v > *bounds.MaxVal {
		return 0, errOutOfRange(s.name, option, float64(v), "must have maximum of "+strconv.Itoa(*bounds.MaxVal))
	}
	return v, nil
}

// GetFloat returns a float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	v, present, err := s.lookup(option, len(fallback) > 0)
	if err != nil {
		return 0, err
	}
	if !present {
		return fallback[0], nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errInvalidValue(s.name, option, v, "float")
	}
	return f, nil
}

// FloatBounds specifies bounds for GetFloatWithBounds.
type FloatBounds struct {
	MinVal *float64 // minimum value (>=)
	MaxVal *float64 // maximum value (<=)
	Above  *float64 // must be above this value (>)
	Below  *float64 // must be below this value (<)
}

// GetFloatWithBounds returns a float64 option value with bounds checking.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	format := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	if bounds.MinVal != nil && v < *bounds.MinVal {
		return 0, errOutOfRange(s.name, option, v, "must have minimum of "+format(*bounds.MinVal))
	}
	if bounds.MaxVal != nil && v > *bounds.MaxVal {
		return 0, errOutOfRange(s.name, option, v, "must have maximum of "+format(*bounds.MaxVal))
	}
	if bounds.Above != nil && v <= *bounds.Above {
		return 0, errOutOfRange(s.name, option, v, "must be above "+format(*bounds.Above))
	}
	if bounds.Below != nil && v >= *bounds.Below {
		return 0, errOutOfRange(s.name, option, v, "must be below "+format(*bounds.Below))
	}
	return v, nil
}

// GetDuration reads a non-negative number of seconds.
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	var fb []float64
	if len(fallback) > 0 {
		fb = []float64{fallback[0].Seconds()}
	}
	zero := 0.0
	secs, err := s.GetFloatWithBounds(option, FloatBounds{MinVal: &zero}, fb...)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// GetBool returns a boolean option value.
// Accepts: 1, true, yes, on (true) and 0, false, no, off (false).
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	v, present, err := s.lookup(option, len(fallback) > 0)
	if err != nil {
		return false, err
	}
	if !present {
		return fallback[0], nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errInvalidValue(s.name, option, v, "boolean (true/false/yes/no/on/off/1/0)")
}

// GetChoice returns a string option that must be one of the valid choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", errInvalidChoice(s.name, option, v, choices)
}
