package bus

import (
	"errors"
	"io"
	"testing"

	"periph.io/x/conn/v3/gpio"

	"steppermon/pkg/config"
	"steppermon/pkg/driver"
	derrors "steppermon/pkg/errors"
	"steppermon/pkg/serial"
	"steppermon/pkg/stepper"
)

// fakeTMC2130 answers each datagram with the data requested by the
// previous one.
type fakeTMC2130 struct {
	regs    map[uint8]uint32
	pending uint32
	status  byte
	txs     [][]byte
	fail    error
}

func newFakeTMC2130() *fakeTMC2130 {
	return &fakeTMC2130{regs: make(map[uint8]uint32), status: 0x09}
}

func (f *fakeTMC2130) Tx(w, r []byte) error {
	if f.fail != nil {
		return f.fail
	}
	f.txs = append(f.txs, append([]byte(nil), w...))
	r[0] = f.status
	r[1], r[2], r[3], r[4] = byte(f.pending>>24), byte(f.pending>>16), byte(f.pending>>8), byte(f.pending)
	addr := w[0] & 0x7F
	val := uint32(w[1])<<24 | uint32(w[2])<<16 | uint32(w[3])<<8 | uint32(w[4])
	if w[0]&0x80 != 0 {
		f.regs[addr] = val
	}
	f.pending = f.regs[addr]
	return nil
}

func TestTMC2130ReadWrite(t *testing.T) {
	f := newFakeTMC2130()
	b := NewTMC2130(f)

	if err := b.Write(driver.TMC2130CHOPCONF, 0x000100C3); err != nil {
		t.Fatal(err)
	}
	if got := f.txs[0]; got[0] != 0xEC || got[4] != 0xC3 || got[1] != 0x00 || got[2] != 0x01 {
		t.Errorf("write datagram = % x", got)
	}
	f.regs[driver.TMC2130DRVSTATUS] = 0x81234567
	v, err := b.Read(driver.TMC2130DRVSTATUS)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x81234567 {
		t.Errorf("Read = %#x", v)
	}
	if len(f.txs) != 3 || f.txs[1][0] != driver.TMC2130DRVSTATUS || f.txs[2][0] != driver.TMC2130DRVSTATUS {
		t.Errorf("read transfers = % x", f.txs)
	}
	if b.SPIStatus() != 0x09 {
		t.Errorf("SPIStatus = %#x", b.SPIStatus())
	}

	f.fail = errors.New("spi down")
	if _, err := b.Read(driver.TMC2130GCONF); err == nil {
		t.Error("Read succeeded on failing transfer")
	}
}

type fakeTMC2660 struct {
	txs      [][]byte
	response uint32
}

func (f *fakeTMC2660) Tx(w, r []byte) error {
	f.txs = append(f.txs, append([]byte(nil), w...))
	v := f.response << 4
	r[0], r[1], r[2] = byte(v>>16), byte(v>>8), byte(v)
	return nil
}

func TestTMC2660Datagrams(t *testing.T) {
	f := &fakeTMC2660{response: 0xABCDE}
	b := NewTMC2660(f)

	if err := b.Write(driver.TMC2660DRVCONF, 0x00010); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(driver.TMC2660DRVCTRL, 0x3FFFF); err != nil {
		t.Fatal(err)
	}
	if got := f.txs[0]; got[0] != 0x0E || got[1] != 0x00 || got[2] != 0x10 {
		t.Errorf("DRVCONF datagram = % x", got)
	}
	if got := f.txs[1]; got[0] != 0x03 || got[1] != 0xFF || got[2] != 0xFF {
		t.Errorf("DRVCTRL datagram = % x", got)
	}

	v, err := b.ReadStatus()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xABCDE {
		t.Errorf("ReadStatus = %#x", v)
	}
	if got := f.txs[2]; got[0] != 0x0E || got[2] != 0x10 {
		t.Errorf("status read did not repeat DRVCONF: % x", got)
	}
	if _, err := b.Read(driver.TMC2660CHOPCONF); err == nil {
		t.Error("Read of write-only register succeeded")
	}
}

// fakeDSPIN emulates one dSPIN device on a chain.
type fakeDSPIN struct {
	family driver.Family
	regs   map[uint8]uint32
	status uint32
	out    []byte
	setReg uint8
	setN   int
	setVal uint32
	cmds   []byte
}

func (d *fakeDSPIN) shift(in byte) byte {
	var out byte
	if len(d.out) > 0 {
		out, d.out = d.out[0], d.out[1:]
		return out
	}
	if d.setN > 0 {
		d.setVal = d.setVal<<8 | uint32(in)
		d.setN--
		if d.setN == 0 {
			d.regs[d.setReg] = d.setVal
		}
		return 0
	}
	switch {
	case in == driver.L64XXGetStatus:
		d.out = []byte{byte(d.status >> 8), byte(d.status)}
	case in&0xE0 == driver.L64XXGetParam:
		reg := in & 0x1F
		n := driver.ParamLength(d.family, reg)
		v := d.regs[reg]
		for i := n - 1; i >= 0; i-- {
			d.out = append(d.out, byte(v>>(8*i)))
		}
	case in != 0 && in&0xE0 == driver.L64XXSetParam:
		d.setReg = in & 0x1F
		d.setN = driver.ParamLength(d.family, d.setReg)
		d.setVal = 0
	case in != 0:
		d.cmds = append(d.cmds, in)
	}
	return 0
}

type fakeChain struct {
	devs   []*fakeDSPIN
	frames int
}

func (c *fakeChain) Tx(w, r []byte) error {
	c.frames++
	n := len(c.devs)
	for pos, d := range c.devs {
		r[n-1-pos] = d.shift(w[n-1-pos])
	}
	return nil
}

func TestDSPINChain(t *testing.T) {
	z := &fakeDSPIN{family: driver.FamilyL6470, regs: map[uint8]uint32{}, status: 0x7E03}
	e := &fakeDSPIN{family: driver.FamilyL6474, regs: map[uint8]uint32{}, status: 0x1E00}
	fc := &fakeChain{devs: []*fakeDSPIN{z, e}}
	chain := NewChain(fc, 2)
	zd := chain.Device(driver.FamilyL6470, 0)
	ed := chain.Device(driver.FamilyL6474, 1)

	if err := zd.Write(driver.L64XXKVALRUN, 0x29); err != nil {
		t.Fatal(err)
	}
	if z.regs[driver.L64XXKVALRUN] != 0x29 || len(e.regs) != 0 {
		t.Errorf("SetParam reached wrong device: z=%v e=%v", z.regs, e.regs)
	}
	z.regs[driver.L6470CONFIG] = 0x2E88
	v, err := zd.Read(driver.L6470CONFIG)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x2E88 {
		t.Errorf("GetParam CONFIG = %#x", v)
	}

	st, err := ed.ReadStatus()
	if err != nil {
		t.Fatal(err)
	}
	if st != 0x1E00 {
		t.Errorf("GetStatus = %#x", st)
	}
	st, _ = zd.ReadStatus()
	if st != 0x7E03 {
		t.Errorf("GetStatus = %#x", st)
	}

	if err := ed.Command(driver.L64XXHardHiZ); err != nil {
		t.Fatal(err)
	}
	if len(e.cmds) != 1 || e.cmds[0] != driver.L64XXHardHiZ || len(z.cmds) != 0 {
		t.Errorf("commands z=%x e=%x", z.cmds, e.cmds)
	}
	if _, err := zd.Read(0x1F); err == nil {
		t.Error("unknown parameter accepted")
	}
}

// fakeLine emulates a single-wire UART with one TMC2209 per address.
type fakeLine struct {
	regs    map[uint8]map[uint8]uint32
	rx      []byte
	corrupt int
	flushes int
}

func (l *fakeLine) Write(p []byte) (int, error) {
	l.rx = append(l.rx, p...)
	if len(p) == 4 {
		addr, reg := p[1], p[2]
		regs, ok := l.regs[addr]
		if !ok {
			return len(p), nil
		}
		v := regs[reg]
		reply := []byte{0x05, 0xFF, reg, byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
		reply = append(reply, CRC8(reply))
		if l.corrupt > 0 {
			l.corrupt--
			reply[7] ^= 0xFF
		}
		l.rx = append(l.rx, reply...)
	} else if len(p) == 8 {
		if regs, ok := l.regs[p[1]]; ok {
			regs[p[2]&0x7F] = uint32(p[3])<<24 | uint32(p[4])<<16 | uint32(p[5])<<8 | uint32(p[6])
		}
	}
	return len(p), nil
}

func (l *fakeLine) Read(p []byte) (int, error) {
	if len(l.rx) == 0 {
		return 0, serial.ErrTimeout
	}
	n := copy(p, l.rx)
	l.rx = l.rx[n:]
	return n, nil
}

func (l *fakeLine) Flush() error {
	l.flushes++
	l.rx = nil
	return nil
}

func TestCRC8(t *testing.T) {
	tests := []struct {
		in   []byte
		want byte
	}{
		{[]byte{0x05, 0x00, 0x00}, 0x48},
		{[]byte{0x05, 0x00, 0x06}, 0x6F},
		{[]byte{0x05, 0xFF, 0x06, 0x21, 0x00, 0x00, 0x40}, 0x4F},
	}
	for _, tt := range tests {
		if got := CRC8(tt.in); got != tt.want {
			t.Errorf("CRC8(% x) = %#02x, want %#02x", tt.in, got, tt.want)
		}
	}
	if req := ReadRequest(0, 0); len(req) != 4 || req[3] != 0x48 {
		t.Errorf("ReadRequest = % x", req)
	}
	if req := WriteRequest(0, 0, 0x40); len(req) != 8 || req[2] != 0x80 || req[7] != 0x47 {
		t.Errorf("WriteRequest = % x", req)
	}
}

func TestParseReply(t *testing.T) {
	good := []byte{0x05, 0xFF, 0x06, 0x21, 0x00, 0x00, 0x40, 0x4F}
	if v, err := ParseReply(0x06, good); err != nil || v != 0x21000040 {
		t.Errorf("ParseReply = %#x, %v", v, err)
	}
	bad := map[string][]byte{
		"short":  good[:7],
		"sync":   {0x0A, 0xFF, 0x06, 0x21, 0x00, 0x00, 0x40, 0x4F},
		"master": {0x05, 0x00, 0x06, 0x21, 0x00, 0x00, 0x40, 0x4F},
		"reg":    {0x05, 0xFF, 0x07, 0x21, 0x00, 0x00, 0x40, 0x4F},
		"crc":    {0x05, 0xFF, 0x06, 0x21, 0x00, 0x00, 0x40, 0x00},
	}
	for name, msg := range bad {
		if _, err := ParseReply(0x06, msg); !errors.Is(err, ErrFrame) {
			t.Errorf("%s: error = %v, want ErrFrame", name, err)
		}
	}
}

func TestUARTReadWrite(t *testing.T) {
	fl := &fakeLine{regs: map[uint8]map[uint8]uint32{
		0: {driver.TMC220xIOIN: 0x21000040},
		2: {driver.TMC220xIOIN: 0x20000000},
	}}
	line := NewLine(fl)
	x, y := line.Device(0), line.Device(2)

	if v, err := x.Read(driver.TMC220xIOIN); err != nil || v != 0x21000040 {
		t.Errorf("X IOIN = %#x, %v", v, err)
	}
	if v, err := y.Read(driver.TMC220xIOIN); err != nil || v != 0x20000000 {
		t.Errorf("Y IOIN = %#x, %v", v, err)
	}
	if err := y.Write(driver.TMC220xCHOPCONF, 0x10000053); err != nil {
		t.Fatal(err)
	}
	if fl.regs[2][driver.TMC220xCHOPCONF] != 0x10000053 || fl.regs[0][driver.TMC220xCHOPCONF] != 0 {
		t.Errorf("write reached wrong driver: %v", fl.regs)
	}

	fl.corrupt = 1
	if v, err := x.Read(driver.TMC220xIOIN); err != nil || v != 0x21000040 {
		t.Errorf("retry after bad crc = %#x, %v", v, err)
	}
	fl.corrupt = uartRetries
	if _, err := x.Read(driver.TMC220xIOIN); !errors.Is(err, ErrFrame) {
		t.Errorf("persistent bad crc error = %v", err)
	}

	silent := line.Device(3)
	if _, err := silent.Read(driver.TMC220xIOIN); err == nil {
		t.Error("read from absent driver succeeded")
	}
}

type fakePin struct{ level gpio.Level }

func (p *fakePin) Read() gpio.Level { return p.level }

func TestEnablePin(t *testing.T) {
	tests := []struct {
		name       string
		level      gpio.Level
		activeHigh bool
		want       bool
	}{
		{"active low enabled", gpio.Low, false, true},
		{"active low disabled", gpio.High, false, false},
		{"active high enabled", gpio.High, true, true},
		{"active high disabled", gpio.Low, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEnablePin(&fakePin{tt.level}, tt.activeHigh)
			if got := e.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

type nopCloser struct{ closed *int }

func (c nopCloser) Close() error { *c.closed++; return nil }

type fakeOpener struct {
	spiOpens  map[string]int
	uartOpens int
	closed    int
	chain     *fakeChain
	line      *fakeLine
}

func (o *fakeOpener) SPI(name string, speed int64) (io.Closer, Transferer, error) {
	o.spiOpens[name]++
	if name == "chain" {
		return nopCloser{&o.closed}, o.chain, nil
	}
	return nopCloser{&o.closed}, newFakeTMC2130(), nil
}

func (o *fakeOpener) UART(device string, baud int) (io.Closer, Port, error) {
	o.uartOpens++
	return nopCloser{&o.closed}, o.line, nil
}

func (o *fakeOpener) Pin(name string, activeHigh bool) (driver.EnableSensor, error) {
	return NewEnablePin(&fakePin{gpio.Low}, activeHigh), nil
}

func TestRegistrySharesPorts(t *testing.T) {
	o := &fakeOpener{
		spiOpens: make(map[string]int),
		chain: &fakeChain{devs: []*fakeDSPIN{
			{family: driver.FamilyL6470, regs: map[uint8]uint32{}},
			{family: driver.FamilyL6470, regs: map[uint8]uint32{}},
		}},
		line: &fakeLine{regs: map[uint8]map[uint8]uint32{0: {}, 1: {}}},
	}
	r := NewRegistryWith(o)

	sections := []config.DriverSection{
		{Axis: stepper.X, Model: driver.TMC2130, Bus: config.BusSPI, SPIBus: "SPI0.0",
			EnablePin: &config.Pin{Name: "GPIO22"}},
		{Axis: stepper.Y, Model: driver.TMC2209, Bus: config.BusUART, Serial: "/dev/ttyAMA0", UARTAddress: 0},
		{Axis: stepper.Y2, Model: driver.TMC2209, Bus: config.BusUART, Serial: "/dev/ttyAMA0", UARTAddress: 1},
		{Axis: stepper.Z, Model: driver.L6470, Bus: config.BusSPI, SPIBus: "chain", ChainLength: 2, ChainPosition: 0},
		{Axis: stepper.Z2, Model: driver.L6470, Bus: config.BusSPI, SPIBus: "chain", ChainLength: 2, ChainPosition: 1},
		{Axis: stepper.E0, Model: driver.TMC2209, Bus: config.BusSim},
	}
	eps := make([]Endpoint, len(sections))
	for i := range sections {
		ep, err := r.Open(&sections[i])
		if err != nil {
			t.Fatalf("Open(%s): %v", sections[i].Axis, err)
		}
		eps[i] = ep
	}
	if o.spiOpens["SPI0.0"] != 1 || o.spiOpens["chain"] != 1 || o.uartOpens != 1 {
		t.Errorf("opens spi=%v uart=%d", o.spiOpens, o.uartOpens)
	}
	if _, ok := eps[0].Bus.(*TMC2130); !ok || eps[0].Enable == nil || !eps[0].Enable.Enabled() {
		t.Errorf("X endpoint = %+v", eps[0])
	}
	if _, ok := eps[3].Bus.(*DSPIN); !ok {
		t.Errorf("Z bus = %T", eps[3].Bus)
	}
	if eps[5].Sim == nil || eps[5].Bus != eps[5].Sim {
		t.Errorf("E0 endpoint = %+v", eps[5])
	}

	clash := []config.DriverSection{
		{Axis: stepper.X2, Model: driver.TMC2130, Bus: config.BusSPI, SPIBus: "SPI0.0"},
		{Axis: stepper.Y2, Model: driver.TMC2209, Bus: config.BusUART, Serial: "/dev/ttyAMA0", UARTAddress: 1},
		{Axis: stepper.Z3, Model: driver.TMC2130, Bus: config.BusSPI, SPIBus: "chain"},
	}
	for i := range clash {
		if _, err := r.Open(&clash[i]); !derrors.Is(err, derrors.ErrComm) {
			t.Errorf("Open(%s) error = %v, want COMM", clash[i].Axis, err)
		}
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if o.closed != 3 {
		t.Errorf("closed %d ports, want 3", o.closed)
	}
}
