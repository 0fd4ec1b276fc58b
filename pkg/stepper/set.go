package stepper

import (
	"context"
	"sync"
	"time"

	derrors "steppermon/pkg/errors"
)

// Set holds the configured instances indexed by axis slot.
type Set struct {
	slots [NumAxes]*Instance
}

// Add places an instance in its slot, replacing any previous one.
func (s *Set) Add(inst *Instance) {
	s.slots[inst.Axis] = inst
}

// Get returns the instance for an axis.
func (s *Set) Get(a Axis) (*Instance, error) {
	if a >= NumAxes || s.slots[a] == nil {
		return nil, derrors.UnknownAxisError(a.String())
	}
	return s.slots[a], nil
}

// All returns the configured instances in polling order.
func (s *Set) All() []*Instance {
	out := make([]*Instance, 0, NumAxes)
	for _, inst := range s.slots {
		if inst != nil {
			out = append(out, inst)
		}
	}
	return out
}

// Len returns the number of configured instances.
func (s *Set) Len() int {
	n := 0
	for _, inst := range s.slots {
		if inst != nil {
			n++
		}
	}
	return n
}

// Select resolves a list of letters to instances. An empty list selects
// every instance. Letters with no configured driver are skipped.
func (s *Set) Select(letters []byte) []*Instance {
	if len(letters) == 0 {
		return s.All()
	}
	want := make(map[byte]bool, len(letters))
	for _, l := range letters {
		want[l] = true
	}
	var out []*Instance
	for _, inst := range s.All() {
		if want[inst.Axis.Letter()] {
			out = append(out, inst)
		}
	}
	return out
}

// BusLock gives one caller exclusive use of the driver bus for a
// multi-transfer transaction. The monitor only ever tries the lock, so a
// held lock pauses polling.
type BusLock struct {
	mu sync.Mutex
}

// Lock blocks until the bus is free.
func (b *BusLock) Lock() { b.mu.Lock() }

// Unlock releases the bus.
func (b *BusLock) Unlock() { b.mu.Unlock() }

// TryLock takes the bus if it is free.
func (b *BusLock) TryLock() bool { return b.mu.TryLock() }

// Do runs fn with the bus held.
func (b *BusLock) Do(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn()
}

// DoContext waits for the bus until ctx is done, then runs fn.
func (b *BusLock) DoContext(ctx context.Context, fn func() error) error {
	for !b.mu.TryLock() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	defer b.mu.Unlock()
	return fn()
}
