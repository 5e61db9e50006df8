// Package limiter runs functions with a ceiling on how many may be in flight.
package limiter

import (
	"fmt"
	"sync"
)

type call struct {
	fn   func() error
	done chan error
}

// Limiter admits at most n functions at once. Waiting functions are admitted
// in submission order. There is no cancellation: once admitted a function
// runs to completion.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	active  int
	waiting []call
}

// New returns a limiter with the given ceiling. Values below 1 are raised to 1.
func New(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{limit: n}
}

// Go submits fn and returns a channel that receives its result.
func (l *Limiter) Go(fn func() error) <-chan error {
	c := call{fn: fn, done: make(chan error, 1)}

	l.mu.Lock()
	l.waiting = append(l.waiting, c)
	l.mu.Unlock()

	l.next()
	return c.done
}

// InFlight reports how many functions are currently running.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Limiter) next() {
	l.mu.Lock()
	if l.active >= l.limit || len(l.waiting) == 0 {
		l.mu.Unlock()
		return
	}
	l.active++
	c := l.waiting[0]
	l.waiting[0] = call{}
	l.waiting = l.waiting[1:]
	l.mu.Unlock()

	go func() {
		err := run(c.fn)

		l.mu.Lock()
		l.active--
		l.mu.Unlock()

		c.done <- err
		l.next()
	}()
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("limited call panicked: %v", r)
		}
	}()
	return fn()
}
