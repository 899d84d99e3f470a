package transport

import "sync"

// Canceller is the cooperative shutdown signal shared between a transport
// owner and its background pump. It has two states, armed and signalled, and
// transitions exactly once. The pump observes it only at its select points:
// an in-flight receive or send is never interrupted.
type Canceller struct {
	once sync.Once
	done chan struct{}
}

func NewCanceller() *Canceller {
	return &Canceller{done: make(chan struct{})}
}

// Signal transitions the canceller to signalled. Repeat calls are no-ops.
func (c *Canceller) Signal() {
	c.once.Do(func() { close(c.done) })
}

// Done returns a channel closed once the canceller is signalled; it is the
// form used inside select loops.
func (c *Canceller) Done() <-chan struct{} {
	return c.done
}

func (c *Canceller) Signalled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
