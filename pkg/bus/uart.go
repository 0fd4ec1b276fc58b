package bus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"steppermon/pkg/log"
	"steppermon/pkg/serial"
)

// TMC UART constants.
const (
	uartSync       = 0x05
	uartMasterAddr = 0xFF
	uartWriteBit   = 0x80
	uartRetries    = 3
)

// Port is the serial line under a UART bus. serial.Port satisfies it.
type Port interface {
	io.ReadWriter
	Flush() error
}

// Line is one single-wire UART shared by up to four TMC220x drivers,
// told apart by their address pins. TX and RX are tied together, so every
// request is read back as an echo before the reply.
type Line struct {
	mu      sync.Mutex
	port    Port
	timeout time.Duration
}

// NewLine wraps an open port.
func NewLine(port Port) *Line {
	return &Line{port: port, timeout: 50 * time.Millisecond}
}

// OpenPort opens the tty under a UART line.
func OpenPort(device string, baud int) (*serial.Port, error) {
	cfg := serial.DefaultConfig()
	cfg.Device = device
	cfg.BaudRate = baud
	p, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	if p.Path() != device {
		log.GetLogger("bus").Debug("uart %s is %s", device, p.Path())
	}
	return p, nil
}

// Device returns the accessor for the driver at addr (0..3).
func (l *Line) Device(addr uint8) *TMC220x {
	return &TMC220x{line: l, addr: addr}
}

// CRC8 is the TMC UART checksum: polynomial x^8+x^2+x+1 over the bytes
// fed in LSB first.
func CRC8(data []byte) byte {
	crc := byte(0)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc>>7)^(b&0x01) != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
			b >>= 1
		}
	}
	return crc
}

// ReadRequest frames a register read.
func ReadRequest(addr, reg uint8) []byte {
	msg := []byte{uartSync, addr, reg & 0x7F}
	return append(msg, CRC8(msg))
}

// WriteRequest frames a register write.
func WriteRequest(addr, reg uint8, val uint32) []byte {
	msg := []byte{uartSync, addr, reg | uartWriteBit,
		byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)}
	return append(msg, CRC8(msg))
}

// ParseReply checks a read reply and returns its value.
func ParseReply(reg uint8, msg []byte) (uint32, error) {
	if len(msg) != 8 {
		return 0, fmt.Errorf("%w: length %d", ErrFrame, len(msg))
	}
	if msg[0]&0x0F != uartSync || msg[1] != uartMasterAddr || msg[2] != reg&0x7F {
		return 0, fmt.Errorf("%w: header % x", ErrFrame, msg[:3])
	}
	if CRC8(msg[:7]) != msg[7] {
		return 0, fmt.Errorf("%w: crc %#02x != %#02x", ErrFrame, msg[7], CRC8(msg[:7]))
	}
	return uint32(msg[3])<<24 | uint32(msg[4])<<16 | uint32(msg[5])<<8 | uint32(msg[6]), nil
}

func (l *Line) readFull(buf []byte) error {
	deadline := time.Now().Add(l.timeout)
	for got := 0; got < len(buf); {
		n, err := l.port.Read(buf[got:])
		got += n
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			return err
		}
		if got < len(buf) && time.Now().After(deadline) {
			return fmt.Errorf("bus: uart timeout after %d of %d bytes", got, len(buf))
		}
	}
	return nil
}

// transact sends req, checks its echo and reads n reply bytes.
func (l *Line) transact(req []byte, n int) ([]byte, error) {
	if err := l.port.Flush(); err != nil {
		return nil, err
	}
	if _, err := l.port.Write(req); err != nil {
		return nil, err
	}
	buf := make([]byte, len(req)+n)
	if err := l.readFull(buf); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf[:len(req)], req) {
		return nil, fmt.Errorf("%w: echo mismatch", ErrFrame)
	}
	return buf[len(req):], nil
}

// TMC220x is one TMC2208/2209 on a line.
type TMC220x struct {
	line *Line
	addr uint8
}

// Read reads a register, retrying on framing errors.
func (d *TMC220x) Read(reg uint8) (uint32, error) {
	d.line.mu.Lock()
	defer d.line.mu.Unlock()
	var err error
	for i := 0; i < uartRetries; i++ {
		var reply []byte
		reply, err = d.line.transact(ReadRequest(d.addr, reg), 8)
		if err != nil {
			continue
		}
		var v uint32
		if v, err = ParseReply(reg, reply); err == nil {
			return v, nil
		}
	}
	return 0, err
}

// Write writes a register. The chip does not acknowledge writes.
func (d *TMC220x) Write(reg uint8, val uint32) error {
	d.line.mu.Lock()
	defer d.line.mu.Unlock()
	_, err := d.line.transact(WriteRequest(d.addr, reg, val), 0)
	return err
}
