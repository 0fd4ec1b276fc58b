// Package reactor runs timer callbacks on a single goroutine. The monitor
// registers its poll and report timers here, and other goroutines hand
// work to the reactor with Post or Call so it runs between ticks.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

var ErrReactorClosed = errors.New("reactor: reactor closed")

// TimerCallback receives the event time and returns the next wake time.
// Returning NEVER parks the timer until UpdateTimer is called.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
	running  bool
	mu       sync.Mutex
}

// Waketime returns the timer's next wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Reactor dispatches timers and posted functions in order on one
// goroutine.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64

	queue chan func()
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a stopped reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		queue:     make(chan func(), 256),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// RegisterTimer adds a timer that first fires at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	timer := &Timer{
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		callback: callback,
		waketime: waketime,
	}
	r.mu.Lock()
	r.timers = append(r.timers, timer)
	r.mu.Unlock()
	r.kick()
	return timer
}

// UnregisterTimer removes a timer. A callback already running finishes.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer changes a timer's wake time. Calls made from inside the
// timer's own callback are ignored; the callback's return value wins.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.running {
		timer.mu.Unlock()
		return
	}
	timer.waketime = waketime
	timer.mu.Unlock()
	r.kick()
}

// Post queues fn to run on the reactor goroutine.
func (r *Reactor) Post(fn func()) error {
	select {
	case <-r.ctx.Done():
		return ErrReactorClosed
	default:
	}
	select {
	case r.queue <- fn:
		r.kick()
		return nil
	case <-r.ctx.Done():
		return ErrReactorClosed
	}
}

// Call runs fn on the reactor goroutine and waits for its result.
func (r *Reactor) Call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := r.Post(func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrReactorClosed
	}
}

// Run starts the dispatch goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End stops the reactor. Pending posted functions are dropped.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch goroutine has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		r.drainQueue()
		delay := r.checkTimers(r.Monotonic())
		if delay <= 0 {
			continue
		}
		if delay > 1 {
			delay = 1
		}
		timer := time.NewTimer(seconds(delay))
		select {
		case <-timer.C:
		case <-r.wake:
			timer.Stop()
		case <-r.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (r *Reactor) drainQueue() {
	for {
		select {
		case fn := <-r.queue:
			fn()
		default:
			return
		}
	}
}

// checkTimers fires every due timer and returns the delay until the
// next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.mu.Unlock()

	next := NEVER
	for _, timer := range timers {
		timer.mu.Lock()
		if eventtime >= timer.waketime {
			timer.waketime = NEVER
			timer.running = true
			timer.mu.Unlock()

			waketime := timer.callback(eventtime)

			timer.mu.Lock()
			timer.running = false
			if waketime < timer.waketime {
				timer.waketime = waketime
			}
		}
		if timer.waketime < next {
			next = timer.waketime
		}
		timer.mu.Unlock()
	}
	return next - eventtime
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
