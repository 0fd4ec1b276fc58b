// Package bus implements the wire protocols between the host and the
// stepper drivers: TMC SPI datagrams, the TMC single-wire UART and dSPIN
// daisy chains. SPI ports and GPIO lines come from periph.io registries.
package bus

import (
	"errors"
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// ErrFrame is returned when a reply fails its framing or checksum.
var ErrFrame = errors.New("bus: bad reply frame")

// Transferer is a full duplex transfer with chip select asserted for the
// whole call. periph spi.Conn satisfies it.
type Transferer interface {
	Tx(w, r []byte) error
}

var (
	hostOnce sync.Once
	hostErr  error
)

// InitHost loads the periph host drivers once per process.
func InitHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

// OpenSPI opens a port by spireg name ("" selects the first port) in SPI
// mode 3, which every supported driver family uses.
func OpenSPI(name string, speed int64) (spi.PortCloser, spi.Conn, error) {
	if err := InitHost(); err != nil {
		return nil, nil, err
	}
	p, err := spireg.Open(name)
	if err != nil {
		return nil, nil, err
	}
	c, err := p.Connect(physic.Frequency(speed)*physic.Hertz, spi.Mode3, 8)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return p, c, nil
}
