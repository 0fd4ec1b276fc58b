// Package sim provides in-memory driver chips that answer register
// transfers like the real parts, with status and link fault injection.
package sim

import (
	"errors"
	"sync"

	"steppermon/pkg/driver"
)

// ErrNoLink is returned while a chip is set to fail transfers.
var ErrNoLink = errors.New("sim: no link")

// Write is one recorded register write or command.
type Write struct {
	Reg     uint8
	Val     uint32
	Command bool
}

// NominalStatus returns a healthy status word for a family.
func NominalStatus(f driver.Family) uint32 {
	switch f {
	case driver.FamilyTMC2130:
		return 0x00100100 // cs_actual 16, sg_result 256
	case driver.FamilyTMC220x:
		return 0x00100000
	case driver.FamilyTMC2660:
		return 0x100 << 10
	case driver.FamilyL6470:
		return 0x7E00
	case driver.FamilyL6474:
		return 0x1E00
	case driver.FamilyL6480:
		return 0xE600
	}
	return 0
}

// Chip is a simulated driver. It satisfies driver.Bus, driver.StatusReader
// and driver.Commander.
type Chip struct {
	mu       sync.Mutex
	family   driver.Family
	regs     map[uint8]uint32
	status   uint32
	queue    []uint32
	fail     bool
	writes   []Write
	statusRd int
}

// New creates a powered, connected chip with a nominal status.
func New(f driver.Family) *Chip {
	c := &Chip{family: f}
	c.powerOn()
	return c
}

func (c *Chip) powerOn() {
	c.regs = make(map[uint8]uint32)
	c.status = NominalStatus(c.family)
	c.queue = nil
	switch c.family {
	case driver.FamilyTMC2130:
		c.regs[driver.TMC2130IOIN] = 0x11 << 24
	case driver.FamilyTMC220x:
		c.regs[driver.TMC220xIOIN] = 0x21 << 24
		c.regs[driver.TMC220xGSTAT] = 0x1
	case driver.FamilyL6470, driver.FamilyL6474:
		c.regs[driver.L6470CONFIG] = 0x2E88
	case driver.FamilyL6480:
		c.regs[driver.L6480CONFIG] = 0x2C88
	}
}

// Read returns a register, or the status word for the status address.
func (c *Chip) Read(reg uint8) (uint32, error) {
	if reg == driver.StatusRegister(c.family) {
		return c.ReadStatus()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, ErrNoLink
	}
	return c.regs[reg], nil
}

// Write stores a register value.
func (c *Chip) Write(reg uint8, val uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrNoLink
	}
	if reg == c.ioin() {
		// input pins, read only
		c.writes = append(c.writes, Write{Reg: reg, Val: val})
		return nil
	}
	if c.family == driver.FamilyTMC2130 || c.family == driver.FamilyTMC220x {
		if reg == driver.TMC2130GSTAT {
			// write one to clear
			c.regs[reg] &^= val
			c.writes = append(c.writes, Write{Reg: reg, Val: val})
			return nil
		}
	}
	c.regs[reg] = val
	c.writes = append(c.writes, Write{Reg: reg, Val: val})
	return nil
}

// ReadStatus returns the next queued status word, or the steady one.
func (c *Chip) ReadStatus() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, ErrNoLink
	}
	c.statusRd++
	if len(c.queue) > 0 {
		v := c.queue[0]
		c.queue = c.queue[1:]
		return v, nil
	}
	return c.status, nil
}

// Command executes a dSPIN command.
func (c *Chip) Command(cmd uint8) error {
	c.mu.Lock()
	if c.fail {
		c.mu.Unlock()
		return ErrNoLink
	}
	c.writes = append(c.writes, Write{Reg: cmd, Command: true})
	c.mu.Unlock()
	switch cmd {
	case driver.L64XXResetDevice:
		c.mu.Lock()
		c.powerOn()
		c.mu.Unlock()
	case driver.L64XXHardHiZ, driver.L64XXSoftHiZ:
		c.mu.Lock()
		c.status |= 0x1
		c.mu.Unlock()
	}
	return nil
}

func (c *Chip) ioin() uint8 {
	switch c.family {
	case driver.FamilyTMC2130:
		return driver.TMC2130IOIN
	case driver.FamilyTMC220x:
		return driver.TMC220xIOIN
	}
	return 0xff
}

// SetEnabled drives the enable input seen in IOIN. TMC families only.
func (c *Chip) SetEnabled(on bool) {
	var enn uint32
	switch c.family {
	case driver.FamilyTMC2130:
		enn = 1 << 4
	case driver.FamilyTMC220x:
		enn = 1 << 0
	default:
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.regs[c.ioin()] &^= enn
	} else {
		c.regs[c.ioin()] |= enn
	}
}

// SetStatus sets the steady status word.
func (c *Chip) SetStatus(v uint32) {
	c.mu.Lock()
	c.status = v
	c.mu.Unlock()
}

// QueueStatus queues words returned by the next status reads before the
// steady word.
func (c *Chip) QueueStatus(vs ...uint32) {
	c.mu.Lock()
	c.queue = append(c.queue, vs...)
	c.mu.Unlock()
}

// SetFailing makes every transfer fail with ErrNoLink.
func (c *Chip) SetFailing(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

// PowerCycle drops all register contents, as a chip reset does.
func (c *Chip) PowerCycle() {
	c.mu.Lock()
	c.powerOn()
	c.mu.Unlock()
}

// Register returns the stored value of a register.
func (c *Chip) Register(reg uint8) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[reg]
}

// SetRegister stores a value without recording a write.
func (c *Chip) SetRegister(reg uint8, val uint32) {
	c.mu.Lock()
	c.regs[reg] = val
	c.mu.Unlock()
}

// Writes returns the recorded writes.
func (c *Chip) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// ResetWrites clears the write log.
func (c *Chip) ResetWrites() {
	c.mu.Lock()
	c.writes = nil
	c.mu.Unlock()
}

// StatusReads returns the number of status reads served.
func (c *Chip) StatusReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusRd
}
