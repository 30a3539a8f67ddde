// Package counter provides the process-wide request tally served on the
// index route.
//
// A SharedCounter is constructed once at startup and handed by reference to
// every handler that reports it. The only way to touch the value is the
// combined increment-and-read, so the value can never be observed or mutated
// outside of the lock.
package counter

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoisonedState is returned once a holder of the counter's lock panicked
// before releasing it. Match with errors.Is.
var ErrPoisonedState = errors.New("counter: poisoned state")

// PoisonedError describes the poisoning event.
type PoisonedError struct {
	// Value held by the counter when the holder panicked.
	Value int64
	// Cause is the recovered panic value.
	Cause interface{}
}

func (e *PoisonedError) Error() string {
	return fmt.Sprintf("%v: holder panicked at value %d: %v", ErrPoisonedState, e.Value, e.Cause)
}

// Is reports ErrPoisonedState as the error's kind.
func (e *PoisonedError) Is(target error) bool {
	return target == ErrPoisonedState
}

// SharedCounter is a mutex guarded, monotonically increasing tally.
// The zero value is ready for use and starts at 0.
type SharedCounter struct {
	mux    sync.Mutex
	value  int64
	poison *PoisonedError
}

// New returns a counter starting at 0.
func New() *SharedCounter {
	return &SharedCounter{}
}

// IncrementAndRead adds one to the counter and returns the new value.
func (c *SharedCounter) IncrementAndRead() (int64, error) {
	return c.Tally(nil)
}

// Tally increments the counter and passes the new value to fn before the
// lock is released. fn must not call back into c.
//
// If fn panics the counter is poisoned, the lock is released and the panic
// continues up the caller's stack. The increment that preceded the panic is
// kept.
func (c *SharedCounter) Tally(fn func(n int64)) (int64, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.poison != nil {
		return 0, c.poison
	}

	c.value++
	n := c.value
	if fn != nil {
		defer func() {
			if r := recover(); r != nil {
				c.poison = &PoisonedError{Value: n, Cause: r}
				panic(r)
			}
		}()
		fn(n)
	}
	return n, nil
}

// Poisoned reports whether a previous holder panicked.
func (c *SharedCounter) Poisoned() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.poison != nil
}

// ClearPoison lifts the poisoned flag, keeping the current value.
func (c *SharedCounter) ClearPoison() {
	c.mux.Lock()
	c.poison = nil
	c.mux.Unlock()
}
