// Register field helpers for stepper driver chips
//
// Copyright (C) 2026  steppermon authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package driver

import (
	"fmt"
	"sort"
	"strings"
)

// ffs returns the position of the first bit set in a mask.
func ffs(mask uint32) int {
	if mask == 0 {
		return 0
	}
	pos := 0
	for (mask & 1) == 0 {
		mask >>= 1
		pos++
	}
	return pos
}

// FieldHelper maps named bit fields onto named registers and keeps a
// shadow copy of the last value seen for every register.
type FieldHelper struct {
	AllFields       map[string]map[string]uint32 // register -> field -> mask
	SignedFields    map[string]bool
	FieldFormatters map[string]func(int32) string
	Registers       map[string]uint32
	FieldToRegister map[string]string
}

// NewFieldHelper creates a field helper over a register map.
func NewFieldHelper(allFields map[string]map[string]uint32, signedFields []string, formatters map[string]func(int32) string) *FieldHelper {
	fh := &FieldHelper{
		AllFields:       allFields,
		SignedFields:    make(map[string]bool),
		FieldFormatters: formatters,
		Registers:       make(map[string]uint32),
		FieldToRegister: make(map[string]string),
	}
	for _, sf := range signedFields {
		fh.SignedFields[sf] = true
	}
	if fh.FieldFormatters == nil {
		fh.FieldFormatters = make(map[string]func(int32) string)
	}
	for regName, fields := range allFields {
		for fieldName := range fields {
			fh.FieldToRegister[fieldName] = regName
		}
	}
	return fh
}

// LookupRegister returns the register holding a field.
func (fh *FieldHelper) LookupRegister(fieldName string) (string, bool) {
	reg, ok := fh.FieldToRegister[fieldName]
	return reg, ok
}

// GetField extracts a field. A nil regValue reads the shadow copy.
func (fh *FieldHelper) GetField(fieldName string, regValue *uint32, regName string) int32 {
	if regName == "" {
		regName = fh.FieldToRegister[fieldName]
	}
	var val uint32
	if regValue != nil {
		val = *regValue
	} else {
		val = fh.Registers[regName]
	}

	mask := fh.AllFields[regName][fieldName]
	shift := ffs(mask)
	fieldValue := int32((val & mask) >> shift)

	if fh.SignedFields[fieldName] {
		width := mask >> shift
		if uint32(fieldValue) > width>>1 {
			fieldValue -= int32(width) + 1
		}
	}
	return fieldValue
}

// SetField stores a field into the shadow copy and returns the new
// register value.
func (fh *FieldHelper) SetField(fieldName string, fieldValue int32, regValue *uint32, regName string) uint32 {
	if regName == "" {
		regName = fh.FieldToRegister[fieldName]
	}
	var val uint32
	if regValue != nil {
		val = *regValue
	} else {
		val = fh.Registers[regName]
	}

	mask := fh.AllFields[regName][fieldName]
	shift := ffs(mask)
	newValue := (val &^ mask) | ((uint32(fieldValue) << shift) & mask)
	fh.Registers[regName] = newValue
	return newValue
}

// PrettyFormat describes a register value field by field.
func (fh *FieldHelper) PrettyFormat(regName string, regValue uint32) string {
	regFields, ok := fh.AllFields[regName]
	if !ok {
		return fmt.Sprintf("%s: %08x", regName, regValue)
	}

	type maskField struct {
		mask uint32
		name string
	}
	fields := make([]maskField, 0, len(regFields))
	for name, mask := range regFields {
		fields = append(fields, maskField{mask, name})
	}
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].mask < fields[j].mask
	})

	var parts []string
	for _, f := range fields {
		v := fh.GetField(f.name, &regValue, regName)
		var sval string
		if formatter, ok := fh.FieldFormatters[f.name]; ok {
			sval = formatter(v)
		} else {
			sval = fmt.Sprintf("%d", v)
		}
		if sval != "" && sval != "0" {
			parts = append(parts, fmt.Sprintf("%s=%s", f.name, sval))
		}
	}
	return fmt.Sprintf("%-11s %08x %s", regName+":", regValue, strings.Join(parts, " "))
}

// MicrostepTable maps a microstep setting to its MRES encoding.
var MicrostepTable = map[int]int{
	256: 0,
	128: 1,
	64:  2,
	32:  3,
	16:  4,
	8:   5,
	4:   6,
	2:   7,
	1:   8,
}

// GetMRES returns the MRES value for a microstep setting.
func GetMRES(microsteps int) (int, error) {
	mres, ok := MicrostepTable[microsteps]
	if !ok {
		return 0, fmt.Errorf("invalid microsteps %d", microsteps)
	}
	return mres, nil
}

// MicrostepsFromMRES is the inverse of GetMRES.
func MicrostepsFromMRES(mres int) int {
	if mres < 0 || mres > 8 {
		return 256
	}
	return 256 >> uint(mres)
}
