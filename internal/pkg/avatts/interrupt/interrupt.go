// Package interrupt holds the service-wide stop signal. The host's stop
// applies to whatever is currently playing, so there is one signal per
// service instance rather than one per request.
package interrupt

import "sync"

// Controller is a cooperative stop signal. Loops observe it at their
// iteration boundaries; work in flight between checks runs to completion.
type Controller struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func New() *Controller {
	return &Controller{done: make(chan struct{})}
}

// Reset clears the signal. Callers holding the previous Done channel keep
// observing the earlier stop.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		c.stopped = false
		c.done = make(chan struct{})
	}
}

func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.done)
	}
}

// Done returns a channel closed by the next RequestStop.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
