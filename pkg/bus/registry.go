package bus

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"steppermon/pkg/config"
	"steppermon/pkg/driver"
	derrors "steppermon/pkg/errors"
	"steppermon/pkg/log"
	"steppermon/pkg/sim"
)

// Endpoint is everything opened for one driver section.
type Endpoint struct {
	Bus    driver.Bus
	Enable driver.EnableSensor // nil without enable_pin
	Sim    *sim.Chip           // set for bus: sim
}

// Opener creates the hardware handles. Tests replace it.
type Opener interface {
	SPI(name string, speed int64) (io.Closer, Transferer, error)
	UART(device string, baud int) (io.Closer, Port, error)
	Pin(name string, activeHigh bool) (driver.EnableSensor, error)
}

type periphOpener struct{}

func (periphOpener) SPI(name string, speed int64) (io.Closer, Transferer, error) {
	return OpenSPI(name, speed)
}

func (periphOpener) UART(device string, baud int) (io.Closer, Port, error) {
	p, err := OpenPort(device, baud)
	if err != nil {
		return nil, nil, err
	}
	return p, p, nil
}

func (periphOpener) Pin(name string, activeHigh bool) (driver.EnableSensor, error) {
	return OpenEnablePin(name, activeHigh)
}

// Registry opens each SPI port and serial line once and shares it among
// the drivers configured on it.
type Registry struct {
	mu      sync.Mutex
	opener  Opener
	spi     map[string]spiUser
	chains  map[string]*Chain
	lines   map[string]*Line
	addrs   map[string]map[int]bool
	closers []io.Closer
	logger  *log.Logger
}

type spiUser struct {
	conn  Transferer
	dspin bool
}

// NewRegistry returns a registry backed by periph and tty devices.
func NewRegistry() *Registry {
	return NewRegistryWith(periphOpener{})
}

// NewRegistryWith returns a registry using o.
func NewRegistryWith(o Opener) *Registry {
	return &Registry{
		opener: o,
		spi:    make(map[string]spiUser),
		chains: make(map[string]*Chain),
		lines:  make(map[string]*Line),
		addrs:  make(map[string]map[int]bool),
		logger: log.GetLogger("bus"),
	}
}

// Open creates the bus for a driver section.
func (r *Registry) Open(d *config.DriverSection) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ep Endpoint
	var err error
	fam := d.Model.Family()
	switch d.Bus {
	case config.BusSim:
		ep.Sim = sim.New(fam)
		ep.Bus = ep.Sim
	case config.BusSPI:
		ep.Bus, err = r.openSPI(d, fam)
	case config.BusUART:
		ep.Bus, err = r.openUART(d)
	default:
		err = fmt.Errorf("bus: unknown bus %q", d.Bus)
	}
	if err != nil {
		return Endpoint{}, derrors.CommError(err, "open "+d.Connection()).SetAxis(d.Axis.String())
	}

	if d.EnablePin != nil {
		ep.Enable, err = r.opener.Pin(d.EnablePin.Name, d.EnablePin.ActiveHigh())
		if err != nil {
			return Endpoint{}, derrors.CommError(err, "open enable pin "+d.EnablePin.String()).SetAxis(d.Axis.String())
		}
	}
	r.logger.WithFields(log.Fields{
		"axis":   d.Axis.String(),
		"driver": d.Model.Label(),
	}).Infof("opened %s", d.Connection())
	return ep, nil
}

func (r *Registry) openSPI(d *config.DriverSection, fam driver.Family) (driver.Bus, error) {
	dspin := !fam.IsTMC()
	u, ok := r.spi[d.SPIBus]
	if ok && (!dspin || !u.dspin) {
		return nil, fmt.Errorf("SPI port %q already in use", d.SPIBus)
	}
	if !ok {
		c, conn, err := r.opener.SPI(d.SPIBus, d.SPISpeed)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, c)
		u = spiUser{conn: conn, dspin: dspin}
		r.spi[d.SPIBus] = u
	}

	switch fam {
	case driver.FamilyTMC2130:
		return NewTMC2130(u.conn), nil
	case driver.FamilyTMC2660:
		return NewTMC2660(u.conn), nil
	}
	chain, ok := r.chains[d.SPIBus]
	if !ok {
		chain = NewChain(u.conn, d.ChainLength)
		r.chains[d.SPIBus] = chain
	}
	return chain.Device(fam, d.ChainPosition), nil
}

func (r *Registry) openUART(d *config.DriverSection) (driver.Bus, error) {
	line, ok := r.lines[d.Serial]
	if !ok {
		c, port, err := r.opener.UART(d.Serial, d.Baud)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, c)
		line = NewLine(port)
		r.lines[d.Serial] = line
		r.addrs[d.Serial] = make(map[int]bool)
	}
	if r.addrs[d.Serial][d.UARTAddress] {
		return nil, fmt.Errorf("uart address %d on %s already in use", d.UARTAddress, d.Serial)
	}
	r.addrs[d.Serial][d.UARTAddress] = true
	return line.Device(uint8(d.UARTAddress)), nil
}

// Close releases every port.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
