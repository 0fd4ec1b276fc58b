// Package serial opens the tty under a single-wire TMC UART line in raw
// 8N1 mode. A read waits a bounded time for its first byte so a silent
// driver surfaces as ErrTimeout rather than a stuck poll.
package serial

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrTimeout = errors.New("serial: read timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config describes one UART line.
type Config struct {
	Device      string
	BaudRate    int           // 115200 when zero
	ReadTimeout time.Duration // first-byte wait, 20ms when zero
}

// DefaultConfig returns the TMC UART defaults.
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		ReadTimeout: 20 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaudRate == 0 {
		c.BaudRate = def.BaudRate
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	return c
}

// Port is an open tty.
type Port struct {
	mu      sync.Mutex
	fd      int
	path    string
	timeout time.Duration
	closed  bool
	saved   *unix.Termios
}

var candidateGlobs = map[string][]string{
	"linux":  {"/dev/ttyAMA*", "/dev/ttyS*", "/dev/ttyUSB*", "/dev/serial/by-id/*"},
	"darwin": {"/dev/cu.usbserial*", "/dev/cu.usbmodem*"},
}

// Candidates lists the ttys a UART line could be configured on, with
// by-id links resolved and duplicates dropped.
func Candidates() ([]string, error) {
	globs, ok := candidateGlobs[runtime.GOOS]
	if !ok {
		return nil, fmt.Errorf("serial: no tty patterns for %s", runtime.GOOS)
	}
	seen := make(map[string]bool)
	var out []string
	for _, g := range globs {
		matches, _ := filepath.Glob(g)
		for _, m := range matches {
			if target, err := filepath.EvalSymlinks(m); err == nil {
				m = target
			}
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Open opens and configures the tty named by cfg.Device.
func Open(cfg Config) (*Port, error) {
	cfg = cfg.withDefaults()
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	speed, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	path, err := resolve(cfg.Device)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}
	saved, err := configure(fd, speed)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Port{fd: fd, path: path, timeout: cfg.ReadTimeout, saved: saved}, nil
}

// configure switches fd to raw mode at speed and returns the settings to
// restore on close.
func configure(fd int, speed uint32) (*unix.Termios, error) {
	saved, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}
	t := rawMode(*saved)
	setSpeed(&t, speed)
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &t); err != nil {
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}
	return saved, nil
}

// rawMode is 8N1 with no flow control, no echo and no line discipline.
// VMIN and VTIME are zero; Read does its own waiting with poll.
func rawMode(t unix.Termios) unix.Termios {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	return t
}

func (p *Port) handle() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1, ErrClosed
	}
	return p.fd, nil
}

// Read reads up to len(buf) bytes. It returns ErrTimeout when nothing
// arrives within the read timeout.
func (p *Port) Read(buf []byte) (int, error) {
	fd, err := p.handle()
	if err != nil {
		return 0, err
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(p.timeout.Milliseconds()))
	switch {
	case errors.Is(err, unix.EINTR):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("serial: poll: %w", err)
	case n == 0:
		return 0, ErrTimeout
	case pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0:
		return 0, io.EOF
	}
	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	return n, nil
}

func (p *Port) Write(buf []byte) (int, error) {
	fd, err := p.handle()
	if err != nil {
		return 0, err
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

// Flush drops pending input and output, leaving the line clean for the
// next request frame.
func (p *Port) Flush() error {
	fd, err := p.handle()
	if err != nil {
		return err
	}
	return unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIOFLUSH)
}

// Close restores the saved line settings and closes the tty.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.saved != nil {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.saved)
	}
	return unix.Close(p.fd)
}

// Path is the device actually opened, after by-id links are followed.
func (p *Port) Path() string { return p.path }

func baudRateToSpeed(baud int) (uint32, error) {
	switch baud {
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	}
	if runtime.GOOS == "linux" {
		switch baud {
		case 460800:
			return 0x1004, nil
		case 500000:
			return 0x1005, nil
		}
	}
	return 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}

// resolve follows /dev/serial/by-id and by-path links so two names for
// one adapter share a line.
func resolve(device string) (string, error) {
	if !strings.HasPrefix(device, "/dev/serial/") {
		return device, nil
	}
	target, err := filepath.EvalSymlinks(device)
	if err != nil {
		return "", fmt.Errorf("serial: resolve %s: %w", device, err)
	}
	return target, nil
}
