// Package safety holds the halt state of the monitor. A halt disables every
// registered driver output and refuses further commands until Reset.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	derrors "steppermon/pkg/errors"
	"steppermon/pkg/log"
)

// State is the halt state.
type State int

const (
	StateRunning State = iota
	StateHalting
	StateHalted
	// StateError is a halt caused by a driver fault.
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalting:
		return "halting"
	case StateHalted:
		return "halted"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Reason describes why the monitor halted.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonDriverFault     Reason = "driver_fault"
	ReasonWatchdogTimeout Reason = "watchdog_timeout"
	ReasonUserRequest     Reason = "user_request"
)

// Disabler cuts the output stage of one driver. *driver.Chip satisfies it.
type Disabler interface {
	Disable() error
}

// Manager tracks the halt state and the outputs to cut on halt.
type Manager struct {
	mu sync.RWMutex

	state     State
	reason    Reason
	axis      string
	msg       string
	haltedAt  time.Time
	disablers []Disabler

	watchdogMu      sync.Mutex
	watchdogCancel  context.CancelFunc
	watchdogTimeout time.Duration
	lastHeartbeat   time.Time

	onHalt  []func(reason Reason, axis, msg string)
	onReset []func()

	logger *log.Logger
}

// New creates a running Manager with a 5 second watchdog.
func New() *Manager {
	return &Manager{
		state:           StateRunning,
		watchdogTimeout: 5 * time.Second,
		logger:          log.GetLogger("safety"),
	}
}

// SetWatchdogTimeout changes the heartbeat timeout. Zero keeps the current
// value.
func (m *Manager) SetWatchdogTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.watchdogMu.Lock()
	m.watchdogTimeout = d
	m.watchdogMu.Unlock()
}

// Register adds a driver output to cut on halt.
func (m *Manager) Register(d Disabler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disablers = append(m.disablers, d)
}

// OnHalt registers a callback run after the outputs are cut.
func (m *Manager) OnHalt(fn func(reason Reason, axis, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHalt = append(m.onHalt, fn)
}

// OnReset registers a callback run after Reset returns a halted manager
// to running.
func (m *Manager) OnReset(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReset = append(m.onReset, fn)
}

// State returns the current halt state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsHalted reports whether a halt has completed.
func (m *Manager) IsHalted() bool {
	s := m.State()
	return s == StateHalted || s == StateError
}

// CheckOperational returns a HALT error once the monitor has halted.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateRunning {
		return nil
	}
	return derrors.New(derrors.ErrHalted, fmt.Sprintf("%s: %s", m.reason, m.msg)).SetAxis(m.axis)
}

// DriverFault halts because a driver reached its fault ceiling.
func (m *Manager) DriverFault(axis, msg string) error {
	return m.halt(ReasonDriverFault, axis, msg)
}

// WatchdogTimeout halts because the poll loop stopped heartbeating.
func (m *Manager) WatchdogTimeout() error {
	return m.halt(ReasonWatchdogTimeout, "", "monitor heartbeat timeout")
}

// RequestHalt halts on operator request.
func (m *Manager) RequestHalt(msg string) error {
	return m.halt(ReasonUserRequest, "", msg)
}

func (m *Manager) halt(reason Reason, axis, msg string) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = StateHalting
	m.reason = reason
	m.axis = axis
	m.msg = msg
	m.haltedAt = time.Now()
	disablers := append([]Disabler(nil), m.disablers...)
	m.mu.Unlock()

	m.StopWatchdog()

	var failed int
	for _, d := range disablers {
		if err := d.Disable(); err != nil {
			failed++
			m.logger.WithError(err).Warn("could not disable driver output")
		}
	}

	m.mu.Lock()
	final := StateHalted
	if reason == ReasonDriverFault {
		final = StateError
	}
	m.state = final
	callbacks := append(([]func(Reason, string, string))(nil), m.onHalt...)
	m.mu.Unlock()

	m.logger.WithFields(log.Fields{
		"reason":   string(reason),
		"axis":     axis,
		"disabled": len(disablers) - failed,
	}).Errorf("halted: %s", msg)

	for _, fn := range callbacks {
		fn(reason, axis, msg)
	}
	return nil
}

// StartWatchdog starts the heartbeat watchdog.
func (m *Manager) StartWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchdogCancel = cancel
	m.lastHeartbeat = time.Now()
	go m.watchdogLoop(ctx)
}

// StopWatchdog stops the heartbeat watchdog.
func (m *Manager) StopWatchdog() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		m.watchdogCancel = nil
	}
}

// Heartbeat resets the watchdog. The monitor calls it every poll.
func (m *Manager) Heartbeat() {
	m.watchdogMu.Lock()
	defer m.watchdogMu.Unlock()
	m.lastHeartbeat = time.Now()
}

func (m *Manager) watchdogLoop(ctx context.Context) {
	m.watchdogMu.Lock()
	period := m.watchdogTimeout / 10
	m.watchdogMu.Unlock()
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.watchdogMu.Lock()
			expired := time.Since(m.lastHeartbeat) > m.watchdogTimeout
			m.watchdogMu.Unlock()
			if expired {
				m.WatchdogTimeout()
				return
			}
		}
	}
}

// Reset returns a halted manager to running.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if m.state == StateRunning || m.state == StateHalting {
		m.mu.Unlock()
		return derrors.RuntimeError("cannot reset while running or halting")
	}
	m.state = StateRunning
	m.reason = ReasonNone
	m.axis = ""
	m.msg = ""
	m.haltedAt = time.Time{}
	callbacks := append(([]func())(nil), m.onReset...)
	m.mu.Unlock()

	m.logger.Info("reset, running again")
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Status is the halt state for reporting.
type Status struct {
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Axis          string    `json:"axis,omitempty"`
	Message       string    `json:"message,omitempty"`
	HaltedAt      time.Time `json:"halted_at,omitempty"`
	IsOperational bool      `json:"operational"`
}

// Status returns the current halt state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:         m.state.String(),
		Reason:        string(m.reason),
		Axis:          m.axis,
		Message:       m.msg,
		HaltedAt:      m.haltedAt,
		IsOperational: m.state == StateRunning,
	}
}
