package stepper

import (
	"fmt"
	"strings"
)

// Axis identifies one driver slot. The numeric order is the polling and
// reporting order.
type Axis uint8

const (
	X Axis = iota
	X2
	Y
	Y2
	Z
	Z2
	Z3
	Z4
	E0
	E1
	E2
	E3
	E4
	E5
	E6
	E7
	NumAxes
)

var axisNames = [NumAxes]string{
	"X", "X2", "Y", "Y2", "Z", "Z2", "Z3", "Z4",
	"E0", "E1", "E2", "E3", "E4", "E5", "E6", "E7",
}

func (a Axis) String() string {
	if a < NumAxes {
		return axisNames[a]
	}
	return fmt.Sprintf("Axis(%d)", uint8(a))
}

// Letter is the G-code axis letter of the slot.
func (a Axis) Letter() byte {
	return axisNames[a][0]
}

// Index is the sub-index: 0 for X, 1 for X2, 3 for E3.
func (a Axis) Index() int {
	switch {
	case a >= E0:
		return int(a - E0)
	case a >= Z:
		return int(a - Z)
	case a >= Y:
		return int(a - Y)
	}
	return int(a - X)
}

// ParseAxis parses a label such as "x", "Y2" or "E3". "E" alone is E0.
func ParseAxis(s string) (Axis, error) {
	label := strings.ToUpper(strings.TrimSpace(s))
	if label == "E" {
		return E0, nil
	}
	for i, name := range axisNames {
		if name == label {
			return Axis(i), nil
		}
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// AxesForLetter returns the slots that share a G-code letter.
func AxesForLetter(letter byte) []Axis {
	var out []Axis
	for a := X; a < NumAxes; a++ {
		if a.Letter() == letter {
			out = append(out, a)
		}
	}
	return out
}
