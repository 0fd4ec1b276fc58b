package bus

import (
	"fmt"
	"sync"

	"steppermon/pkg/driver"
)

// TMC2130 speaks the 40 bit TMC2130/5130/2160/5160 datagram. A read
// returns the data requested by the previous datagram, so every read is
// two transfers.
type TMC2130 struct {
	mu        sync.Mutex
	conn      Transferer
	spiStatus uint8
}

// NewTMC2130 wraps a connection with its own chip select.
func NewTMC2130(conn Transferer) *TMC2130 {
	return &TMC2130{conn: conn}
}

func (b *TMC2130) xfer(addr uint8, val uint32) (uint32, error) {
	w := []byte{addr, byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)}
	r := make([]byte, len(w))
	if err := b.conn.Tx(w, r); err != nil {
		return 0, err
	}
	b.spiStatus = r[0]
	return uint32(r[1])<<24 | uint32(r[2])<<16 | uint32(r[3])<<8 | uint32(r[4]), nil
}

// Read reads a register.
func (b *TMC2130) Read(reg uint8) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.xfer(reg&0x7F, 0); err != nil {
		return 0, err
	}
	return b.xfer(reg&0x7F, 0)
}

// Write writes a register.
func (b *TMC2130) Write(reg uint8, val uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.xfer(reg|0x80, val)
	return err
}

// SPIStatus returns the status byte of the latest datagram.
func (b *TMC2130) SPIStatus() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spiStatus
}

// TMC2660 speaks the 20 bit TMC2660 datagram. The chip has no readable
// registers: every write answers with the status word selected by
// DRVCONF, so a status read repeats the last DRVCONF write.
type TMC2660 struct {
	mu      sync.Mutex
	conn    Transferer
	drvconf uint32
}

// NewTMC2660 wraps a connection with its own chip select.
func NewTMC2660(conn Transferer) *TMC2660 {
	return &TMC2660{conn: conn, drvconf: 0}
}

func (b *TMC2660) xfer(reg uint8, val uint32) (uint32, error) {
	mask := uint32(0x1FFFF)
	if reg == driver.TMC2660DRVCTRL {
		mask = 0x3FFFF
	}
	d := uint32(reg)<<16 | val&mask
	w := []byte{byte(d >> 16), byte(d >> 8), byte(d)}
	r := make([]byte, len(w))
	if err := b.conn.Tx(w, r); err != nil {
		return 0, err
	}
	return (uint32(r[0])<<16 | uint32(r[1])<<8 | uint32(r[2])) >> 4, nil
}

// Write sends a datagram.
func (b *TMC2660) Write(reg uint8, val uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.xfer(reg, val); err != nil {
		return err
	}
	if reg == driver.TMC2660DRVCONF {
		b.drvconf = val
	}
	return nil
}

// ReadStatus returns the 20 bit response to a repeated DRVCONF write.
func (b *TMC2660) ReadStatus() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.xfer(driver.TMC2660DRVCONF, b.drvconf)
}

// Read only answers the status address.
func (b *TMC2660) Read(reg uint8) (uint32, error) {
	if reg != driver.TMC2660DRVCONF {
		return 0, fmt.Errorf("bus: TMC2660 register %#x is write-only", reg)
	}
	return b.ReadStatus()
}
