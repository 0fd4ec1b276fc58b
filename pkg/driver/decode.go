package driver

// Health is the normalized view of one status read. When CommError is set
// every other flag is unreliable and left false.
type Health struct {
	Family     Family
	Raw        uint32
	Normalized uint32 // Raw with active-high dSPIN flags inverted

	OverTemp      bool
	OverTempWarn  bool
	ShortToGround bool
	Stalled       bool
	CommError     bool

	// Reporting only.
	ShortA, ShortB bool
	OpenLoad       bool
	Standstill     bool
	StallGuard     int
	CSActual       int

	// dSPIN only.
	OverCurrent  bool
	UnderVoltage bool
	HiZ          bool
	CommandError bool
}

// HasFault reports whether the read shows a condition that counts toward
// the fault ceiling. dSPIN undervoltage lockout counts as well.
func (h Health) HasFault() bool {
	if h.CommError {
		return false
	}
	return h.OverTemp || h.ShortToGround || h.Stalled || h.OverCurrent || h.UnderVoltage
}

// Fault is HasFault with the stall flag masked, used while sensorless
// homing expects stalls.
func (h Health) Fault(ignoreStall bool) bool {
	if ignoreStall {
		h.Stalled = false
	}
	return h.HasFault()
}

// L64XXLayout describes one dSPIN status register layout.
type L64XXLayout struct {
	HiZ, Busy, Dir               uint32
	NotPerfCmd, WrongCmd, CmdErr uint32
	UVLO, ThWrn, ThSD, OCD       uint32
	StepLossA, StepLossB, SckMod uint32

	ActiveHigh uint32 // flags XOR-ed so that 0 means asserted
	ErrorMask  uint32
}

var (
	L6470Layout = L64XXLayout{
		HiZ: 0x0001, Busy: 0x0002, Dir: 0x0010,
		NotPerfCmd: 0x0080, WrongCmd: 0x0100,
		UVLO: 0x0200, ThWrn: 0x0400, ThSD: 0x0800, OCD: 0x1000,
		StepLossA: 0x2000, StepLossB: 0x4000, SckMod: 0x8000,
		ActiveHigh: 0x0080 | 0x0100,
		ErrorMask:  0x0200 | 0x0400 | 0x0800 | 0x1000 | 0x2000 | 0x4000,
	}
	L6474Layout = L64XXLayout{
		HiZ: 0x0001, Dir: 0x0010,
		NotPerfCmd: 0x0080, WrongCmd: 0x0100,
		UVLO: 0x0200, ThWrn: 0x0400, ThSD: 0x0800, OCD: 0x1000,
		ActiveHigh: 0x0080 | 0x0100,
		ErrorMask:  0x0200 | 0x0400 | 0x0800 | 0x1000,
	}
	L6480Layout = L64XXLayout{
		HiZ: 0x0001, Busy: 0x0002, Dir: 0x0010,
		CmdErr: 0x0080, SckMod: 0x0100,
		UVLO: 0x0200, ThWrn: 0x0800, ThSD: 0x1000, OCD: 0x2000,
		StepLossB: 0x4000, StepLossA: 0x8000,
		ActiveHigh: 0x0080 | 0x0800 | 0x1000,
		ErrorMask:  0x0200 | 0x0800 | 0x1000 | 0x2000 | 0x4000 | 0x8000,
	}
)

// IsSentinel reports whether raw is one of the patterns an idle or
// disconnected bus returns.
func IsSentinel(f Family, raw uint32) bool {
	switch {
	case raw == 0 || raw == 0xFFFFFFFF:
		return true
	case f == FamilyTMC2660:
		return raw == 0xFFFFF
	case f.IsL64XX():
		return raw == 0xFFFF
	}
	return false
}

type decodeFunc func(raw uint32) Health

var decoders = map[Family]decodeFunc{
	FamilyTMC2130: decodeTMC2130,
	FamilyTMC220x: decodeTMC220x,
	FamilyTMC2660: decodeTMC2660,
	FamilyL6470:   func(raw uint32) Health { return decodeL64XX(&L6470Layout, raw) },
	FamilyL6474:   func(raw uint32) Health { return decodeL64XX(&L6474Layout, raw) },
	FamilyL6480:   func(raw uint32) Health { return decodeL64XX(&L6480Layout, raw) },
}

// Decode turns a raw status word into Health. It never fails: a sentinel
// word produces CommError and an unknown family is treated the same way.
func Decode(f Family, raw uint32) Health {
	fn, ok := decoders[f]
	if !ok || IsSentinel(f, raw) {
		return Health{Family: f, Raw: raw, Normalized: raw, CommError: true}
	}
	h := fn(raw)
	h.Family = f
	h.Raw = raw
	return h
}

func bit(raw, mask uint32) bool { return raw&mask != 0 }

func decodeTMC2130(raw uint32) Health {
	return Health{
		Normalized:    raw,
		OverTemp:      bit(raw, 1<<25),
		OverTempWarn:  bit(raw, 1<<26),
		ShortToGround: bit(raw, 0x18000000),
		ShortA:        bit(raw, 1<<27),
		ShortB:        bit(raw, 1<<28),
		Stalled:       bit(raw, 1<<24),
		OpenLoad:      bit(raw, 3<<29),
		Standstill:    bit(raw, 1<<31),
		StallGuard:    int(raw & 0x3ff),
		CSActual:      int(raw>>16) & 0x1f,
	}
}

func decodeTMC220x(raw uint32) Health {
	return Health{
		Normalized:    raw,
		OverTempWarn:  bit(raw, 1<<0),
		OverTemp:      bit(raw, 1<<1),
		ShortToGround: bit(raw, 1<<2|1<<3|1<<4|1<<5),
		ShortA:        bit(raw, 1<<2|1<<4),
		ShortB:        bit(raw, 1<<3|1<<5),
		OpenLoad:      bit(raw, 3<<6),
		Standstill:    bit(raw, 1<<31),
		StallGuard:    -1,
		CSActual:      int(raw>>16) & 0x1f,
	}
}

func decodeTMC2660(raw uint32) Health {
	return Health{
		Normalized:    raw,
		Stalled:       bit(raw, 1<<0),
		OverTemp:      bit(raw, 1<<1),
		OverTempWarn:  bit(raw, 1<<2),
		ShortToGround: bit(raw, 0b11000),
		ShortA:        bit(raw, 1<<3),
		ShortB:        bit(raw, 1<<4),
		OpenLoad:      bit(raw, 3<<5),
		Standstill:    bit(raw, 1<<7),
		StallGuard:    int(raw>>10) & 0x3ff,
		CSActual:      -1,
	}
}

// decodeL64XX flips the active-high flags so that every error bit in the
// normalized word reads 0 when asserted, then derives the flags from it.
func decodeL64XX(l *L64XXLayout, raw uint32) Health {
	norm := (raw & 0xFFFF) ^ l.ActiveHigh
	asserted := func(mask uint32) bool { return mask != 0 && norm&mask != mask }
	return Health{
		Normalized:   norm,
		HiZ:          bit(norm, l.HiZ),
		UnderVoltage: asserted(l.UVLO),
		OverTempWarn: asserted(l.ThWrn),
		OverTemp:     asserted(l.ThSD),
		OverCurrent:  asserted(l.OCD),
		Stalled:      asserted(l.StepLossA) || asserted(l.StepLossB),
		CommandError: asserted(l.NotPerfCmd) || asserted(l.WrongCmd) || asserted(l.CmdErr),
		Standstill:   norm&0x60 == 0,
		StallGuard:   -1,
		CSActual:     -1,
	}
}

// ActiveErrors returns the error bits asserted in a normalized dSPIN word.
func (l *L64XXLayout) ActiveErrors(norm uint32) uint32 {
	return ^norm & l.ErrorMask
}

// Layout returns the dSPIN layout for a family, or nil.
func Layout(f Family) *L64XXLayout {
	switch f {
	case FamilyL6470:
		return &L6470Layout
	case FamilyL6474:
		return &L6474Layout
	case FamilyL6480:
		return &L6480Layout
	}
	return nil
}
