package bus

import (
	"fmt"
	"sync"

	"steppermon/pkg/driver"
)

// Chain is a dSPIN daisy chain sharing one chip select. Every byte is a
// frame of one byte per device with chip select released in between;
// devices not addressed receive NOP. Position 0 is the device wired to
// the host MOSI.
type Chain struct {
	mu     sync.Mutex
	conn   Transferer
	length int
}

// NewChain creates a chain of length devices.
func NewChain(conn Transferer, length int) *Chain {
	if length < 1 {
		length = 1
	}
	return &Chain{conn: conn, length: length}
}

// Len returns the number of devices on the chain.
func (c *Chain) Len() int { return c.length }

// xfer shifts one byte to and from the device at pos. Callers hold mu.
func (c *Chain) xfer(pos int, b byte) (byte, error) {
	w := make([]byte, c.length)
	r := make([]byte, c.length)
	idx := c.length - 1 - pos
	w[idx] = b
	if err := c.conn.Tx(w, r); err != nil {
		return 0, err
	}
	return r[idx], nil
}

// Device returns the accessor for the chip at pos.
func (c *Chain) Device(f driver.Family, pos int) *DSPIN {
	return &DSPIN{chain: c, family: f, pos: pos}
}

// DSPIN is one L6470/L6474/L6480 on a chain.
type DSPIN struct {
	chain  *Chain
	family driver.Family
	pos    int
}

func (d *DSPIN) command(cmd byte, n int, val uint32) (uint32, error) {
	d.chain.mu.Lock()
	defer d.chain.mu.Unlock()
	if _, err := d.chain.xfer(d.pos, cmd); err != nil {
		return 0, err
	}
	var out uint32
	for i := n - 1; i >= 0; i-- {
		b, err := d.chain.xfer(d.pos, byte(val>>(8*i)))
		if err != nil {
			return 0, err
		}
		out = out<<8 | uint32(b)
	}
	return out, nil
}

func (d *DSPIN) length(reg uint8) (int, error) {
	n := driver.ParamLength(d.family, reg)
	if n == 0 {
		return 0, fmt.Errorf("bus: unknown dSPIN parameter %#x", reg)
	}
	return n, nil
}

// Read issues GetParam.
func (d *DSPIN) Read(reg uint8) (uint32, error) {
	n, err := d.length(reg)
	if err != nil {
		return 0, err
	}
	return d.command(driver.L64XXGetParam|reg&0x1F, n, 0)
}

// Write issues SetParam.
func (d *DSPIN) Write(reg uint8, val uint32) error {
	n, err := d.length(reg)
	if err != nil {
		return err
	}
	_, err = d.command(driver.L64XXSetParam|reg&0x1F, n, val)
	return err
}

// ReadStatus issues GetStatus, which also clears the latched flags.
func (d *DSPIN) ReadStatus() (uint32, error) {
	return d.command(driver.L64XXGetStatus, 2, 0)
}

// Command sends a bare command byte.
func (d *DSPIN) Command(cmd uint8) error {
	_, err := d.command(cmd, 0, 0)
	return err
}
