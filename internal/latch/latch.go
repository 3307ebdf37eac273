// Package latch provides a one-shot broadcast signal that carries an optional error.
package latch

import "sync"

// Latch is fired at most once. Every waiter observes the same outcome.
type Latch struct {
	once sync.Once
	done chan struct{}
	err  error
}

func New() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Fire releases all waiters. Only the first call has an effect; it reports
// whether this call was that one.
func (l *Latch) Fire(err error) bool {
	fired := false
	l.once.Do(func() {
		l.err = err
		close(l.done)
		fired = true
	})
	return fired
}

// Done is closed once the latch has fired.
func (l *Latch) Done() <-chan struct{} { return l.done }

// Fired reports whether Fire has been called.
func (l *Latch) Fired() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Err returns the value passed to Fire. It is nil until the latch fires.
func (l *Latch) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}
