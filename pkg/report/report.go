// Package report formats the driver status dump (M122), the polled debug
// line and a YAML snapshot for tools. Functions that take a bus argument
// talk to the chips; the caller must hold the bus lock.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"steppermon/pkg/driver"
	"steppermon/pkg/stepper"
)

// view is one driver's data for a report, read once up front.
type view struct {
	inst   *stepper.Instance
	chip   *driver.Chip
	state  stepper.RuntimeState
	status uint32
	health driver.Health
	tstep  uint32
	pwm    int
}

func collect(insts []*stepper.Instance) []*view {
	views := make([]*view, 0, len(insts))
	for _, inst := range insts {
		v := &view{inst: inst, chip: inst.Chip}
		fam := v.chip.Family()
		raw, err := v.chip.ReadStatus()
		if err != nil {
			v.health = driver.Health{Family: fam, CommError: true}
		} else {
			v.status = raw
			v.health = driver.Decode(fam, raw)
		}
		switch fam {
		case driver.FamilyTMC2130, driver.FamilyTMC220x:
			v.tstep, _ = v.chip.ReadRegister("TSTEP")
			v.pwm = pwmScale(v.chip)
		}
		v.state = inst.State()
		views = append(views, v)
	}
	return views
}

func pwmScale(c *driver.Chip) int {
	switch c.Family() {
	case driver.FamilyTMC2130:
		c.ReadRegister("PWM_SCALE")
		return int(c.Get("pwm_scale"))
	case driver.FamilyTMC220x:
		c.ReadRegister("PWM_SCALE")
		return int(c.Get("pwm_scale_sum"))
	}
	return 0
}

type row struct {
	label string
	cell  func(v *view) string
}

func isSenseTMC(v *view) bool {
	f := v.chip.Family()
	return f == driver.FamilyTMC2130 || f == driver.FamilyTMC220x
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func mark(b bool) string {
	if b {
		return "X"
	}
	return ""
}

// field returns a field value and whether the chip has it.
func field(v *view, name string) (int32, bool) {
	if _, ok := v.chip.Fields().LookupRegister(name); !ok {
		return 0, false
	}
	return v.chip.Get(name), true
}

func fieldMark(name string) func(v *view) string {
	return func(v *view) string {
		val, ok := field(v, name)
		return mark(ok && val != 0)
	}
}

var tmcRows = []row{
	{"\t", func(v *view) string { return v.inst.Label() }},
	{"Enabled\t", func(v *view) string { return boolString(v.chip.Enabled()) }},
	{"Set current", func(v *view) string { return strconv.Itoa(int(v.state.AppliedMilliamps)) }},
	{"RMS current", func(v *view) string { return strconv.Itoa(v.chip.RMSCurrent()) }},
	{"MAX current", func(v *view) string { return fmt.Sprintf("%.0f", float64(v.chip.RMSCurrent())*1.41) }},
	{"Run current", func(v *view) string {
		run, _ := v.chip.CurrentScale()
		return fmt.Sprintf("%d/31", run)
	}},
	{"Hold current", func(v *view) string {
		if !isSenseTMC(v) {
			return ""
		}
		_, hold := v.chip.CurrentScale()
		return fmt.Sprintf("%d/31", hold)
	}},
	{"CS actual\t", func(v *view) string {
		if !isSenseTMC(v) {
			return ""
		}
		return fmt.Sprintf("%d/31", v.health.CSActual)
	}},
	{"PWM scale", func(v *view) string {
		if !isSenseTMC(v) {
			return ""
		}
		return strconv.Itoa(v.pwm)
	}},
	{"vsense\t", func(v *view) string {
		on := v.chip.VSense()
		if v.chip.Family() == driver.FamilyTMC2660 {
			if on {
				return "1=.165"
			}
			return "0=.310"
		}
		if on {
			return "1=.18"
		}
		return "0=.325"
	}},
	{"stealthChop", func(v *view) string {
		if !v.chip.Model().HasStealthChop() {
			return ""
		}
		return boolString(v.chip.StealthChop())
	}},
	{"msteps\t", func(v *view) string { return strconv.Itoa(v.chip.Microsteps()) }},
	{"tstep\t", func(v *view) string {
		if !isSenseTMC(v) {
			return ""
		}
		if v.tstep == 0xFFFFF {
			return "max"
		}
		return strconv.FormatUint(uint64(v.tstep), 10)
	}},
	{"pwm\nthreshold\t", func(v *view) string {
		if !isSenseTMC(v) {
			return ""
		}
		return strconv.FormatUint(uint64(v.chip.TPWMTHRS()), 10)
	}},
	{"[mm/s]\t", func(v *view) string {
		if !isSenseTMC(v) {
			return ""
		}
		reg := v.chip.TPWMTHRS()
		if reg == 0 {
			return "-"
		}
		m := v.inst.Motion
		return strconv.FormatUint(uint64(driver.TPWMTHRSToThreshold(reg, m.Microsteps, m.StepsPerMM)), 10)
	}},
	{"OT prewarn", func(v *view) string {
		if !isSenseTMC(v) {
			return ""
		}
		return boolString(v.health.OverTempWarn)
	}},
	{"OT prewarn has\nbeen triggered", func(v *view) string {
		if !isSenseTMC(v) {
			return ""
		}
		return boolString(v.state.OTPWLatched)
	}},
	{"off time\t", func(v *view) string { return strconv.Itoa(v.chip.Chopper().Toff) }},
	{"blank time", func(v *view) string { return strconv.Itoa(v.chip.BlankTime()) }},
	{"hysteresis\n-end\t", func(v *view) string { return strconv.Itoa(v.chip.Chopper().Hend) }},
	{"-start\t", func(v *view) string { return strconv.Itoa(v.chip.Chopper().Hstrt) }},
	{"Stallguard thrs", func(v *view) string {
		if v.chip.Model() == driver.TMC2208 {
			return ""
		}
		s, err := v.chip.Sensitivity()
		if err != nil {
			return ""
		}
		return strconv.Itoa(s)
	}},
}

// drvRows apply to every TMC family; the family rows follow them only when
// a driver of that family is present.
var (
	drvHeader  = row{"DRVSTATUS", func(v *view) string { return v.inst.Label() }}
	tmc2130Drv = []row{
		{"stallguard\t", fieldMark("stallguard")},
		{"sg_result\t", func(v *view) string {
			if v.chip.Family() != driver.FamilyTMC2130 {
				return ""
			}
			return strconv.Itoa(v.health.StallGuard)
		}},
		{"fsactive\t", fieldMark("fsactive")},
	}
	commonDrv = []row{
		{"stst\t", fieldMark("stst")},
		{"olb\t", fieldMark("olb")},
		{"ola\t", fieldMark("ola")},
		{"s2gb\t", fieldMark("s2gb")},
		{"s2ga\t", fieldMark("s2ga")},
		{"otpw\t", fieldMark("otpw")},
		{"ot\t", fieldMark("ot")},
	}
	tmc220xDrv = []row{
		{"157C\t", fieldMark("t157")},
		{"150C\t", fieldMark("t150")},
		{"143C\t", fieldMark("t143")},
		{"120C\t", fieldMark("t120")},
		{"s2vsa\t", fieldMark("s2vsa")},
		{"s2vsb\t", fieldMark("s2vsb")},
	}
)

func writeRows(b *strings.Builder, rows []row, views []*view) {
	for _, r := range rows {
		b.WriteString(r.label)
		for _, v := range views {
			b.WriteByte('\t')
			b.WriteString(r.cell(v))
		}
		b.WriteByte('\n')
	}
}

// HexLong formats a 32-bit word as 0xB3:B2:B1:B0.
func HexLong(v uint32) string {
	return fmt.Sprintf("0x%02X:%02X:%02X:%02X", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func hasFamily(views []*view, f driver.Family) bool {
	for _, v := range views {
		if v.chip.Family() == f {
			return true
		}
	}
	return false
}

// Write produces the full M122 report for insts: the TMC settings table,
// the DRV_STATUS table, the raw status words and one line per dSPIN
// driver.
func Write(w io.Writer, insts []*stepper.Instance) error {
	var tmc, dspin []*view
	for _, v := range collect(insts) {
		if v.chip.Family().IsTMC() {
			tmc = append(tmc, v)
		} else {
			dspin = append(dspin, v)
		}
	}

	var b strings.Builder
	if len(tmc) > 0 {
		writeRows(&b, tmcRows, tmc)

		rows := []row{drvHeader}
		if hasFamily(tmc, driver.FamilyTMC2130) {
			rows = append(rows, tmc2130Drv...)
		}
		rows = append(rows, commonDrv...)
		if hasFamily(tmc, driver.FamilyTMC220x) {
			rows = append(rows, tmc220xDrv...)
		}
		writeRows(&b, rows, tmc)

		b.WriteString("Driver registers:\n")
		for _, v := range tmc {
			fmt.Fprintf(&b, "\t%s\t%s", v.inst.Label(), HexLong(v.status))
			if v.health.CommError {
				b.WriteString("\t Bad response!")
			}
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	for _, v := range dspin {
		writeDSPIN(&b, v)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func yesNo(b bool) string {
	if b {
		return " YES"
	}
	return " NO "
}

func writeDSPIN(b *strings.Builder, v *view) {
	fmt.Fprintf(b, "AXIS: %-2s ", v.inst.Label())
	if v.health.CommError {
		fmt.Fprintf(b, " STATUS: 0x%04X - communications lost\n", v.status&0xFFFF)
		return
	}
	thermal := "OK      "
	switch {
	case v.health.OverTemp:
		thermal = "SHUTDOWN"
	case v.health.OverTempWarn:
		thermal = "WARNING "
	}
	b.WriteString("  THERMAL: " + thermal)
	b.WriteString("   OVERCURRENT:" + yesNo(v.health.OverCurrent))
	if v.chip.Family() != driver.FamilyL6474 {
		b.WriteString("   STALL:" + yesNo(v.health.Stalled))
	}
	b.WriteString("   UVLO:" + yesNo(v.health.UnderVoltage))
	b.WriteString("   HiZ:" + yesNo(v.health.HiZ))
	run, hold := v.chip.CurrentScale()
	fmt.Fprintf(b, "\n\tSTATUS: 0x%04X  set current: %dmA  run/hold: %d/%d\n",
		v.status&0xFFFF, v.state.AppliedMilliamps, run, hold)
}

// WriteRegisters dumps every register of every driver, one row per
// register name.
func WriteRegisters(w io.Writer, insts []*stepper.Instance) error {
	type column struct {
		label string
		regs  map[string]driver.RegisterValue
	}
	var (
		order []string
		seen  = make(map[string]bool)
		cols  []column
	)
	for _, inst := range insts {
		col := column{label: inst.Label(), regs: make(map[string]driver.RegisterValue)}
		for _, rv := range inst.Chip.Registers() {
			col.regs[rv.Name] = rv
			if !seen[rv.Name] {
				seen[rv.Name] = true
				order = append(order, rv.Name)
			}
		}
		cols = append(cols, col)
	}

	var b strings.Builder
	b.WriteByte('\t')
	for _, c := range cols {
		b.WriteString("\t" + c.label + "\t")
	}
	b.WriteByte('\n')
	for _, name := range order {
		b.WriteString(name)
		if len(name) < 8 {
			b.WriteByte('\t')
		}
		for _, c := range cols {
			b.WriteByte('\t')
			if rv, ok := c.regs[name]; ok {
				b.WriteString(HexLong(rv.Value))
			}
			b.WriteByte('\t')
		}
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// DebugHeader introduces the polled debug lines.
const DebugHeader = "axis:pwm_scale |status_response|"

// DebugLine reads each driver and returns one polled debug line:
// label:pwm_scale |0b<status>| <flag> per driver, tab separated.
func DebugLine(insts []*stepper.Instance) string {
	var b strings.Builder
	for _, v := range collect(insts) {
		fmt.Fprintf(&b, "%s:%d |0b%b| ", v.inst.Label(), v.pwm, StatusResponse(v.chip, v.status))
		switch {
		case v.state.FaultTicks > 0:
			b.WriteByte('E')
		case v.health.OverTemp:
			b.WriteByte('O')
		case v.health.OverTempWarn:
			b.WriteByte('W')
		case v.state.OverTempWarnings > 0:
			b.WriteString(strconv.Itoa(int(v.state.OverTempWarnings)))
		case v.state.OTPWLatched:
			b.WriteByte('F')
		}
		b.WriteByte('\t')
	}
	return b.String()
}

// StatusResponse condenses the status word and GSTAT into the short form
// shown in the debug line.
func StatusResponse(c *driver.Chip, raw uint32) uint32 {
	switch c.Family() {
	case driver.FamilyTMC2130:
		gstat, _ := c.ReadRegister("GSTAT")
		h := driver.Decode(c.Family(), raw)
		var v uint32
		if h.Standstill {
			v |= 1 << 3
		}
		if raw&(1<<24) != 0 {
			v |= 1 << 2
		}
		v |= gstat & 0b11
		return v
	case driver.FamilyTMC220x:
		gstat, _ := c.ReadRegister("GSTAT")
		return (raw>>28)&0b1000 | gstat&0b11
	case driver.FamilyTMC2660:
		return raw & 0xFF
	}
	return raw & 0xFFFF
}

// Connection result strings.
var connStatus = map[int]string{
	driver.ConnOK:   "OK",
	driver.ConnHigh: "HIGH",
	driver.ConnLow:  "LOW",
}

// TestConnections runs the connection test on each driver, writes one
// line per driver and returns the number that failed.
func TestConnections(w io.Writer, insts []*stepper.Instance) int {
	failed := 0
	for _, inst := range insts {
		res, err := inst.Chip.TestConnection()
		line := "Testing " + inst.Label() + " connection... "
		switch {
		case err != nil:
			line += "Error: " + err.Error()
			failed++
		case res != driver.ConnOK:
			line += "Error: All " + connStatus[res]
			failed++
		default:
			line += connStatus[res]
		}
		fmt.Fprintln(w, line)
	}
	return failed
}
