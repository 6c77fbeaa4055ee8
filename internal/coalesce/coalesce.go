// Package coalesce merges bursts of keyed notifications into one batch.
//
// A file pushed several times in quick succession produces one change
// notification per completed upload. The Coalescer keeps only the latest
// value per key and flushes when:
//
//   - the deadline expires (measured from the first add in a batch, NOT
//     reset by later adds: deadline semantics, not debounce)
//   - the number of distinct keys reaches the threshold
//   - Flush is called explicitly at shutdown
package coalesce

import "time"

const (
	// Delay is the default deadline from the first add in a batch.
	Delay = 100 * time.Millisecond

	// Threshold triggers an immediate flush when this many keys are pending.
	Threshold = 64
)

// Coalescer batches values by key. All methods are used from a single
// goroutine (the node loop).
type Coalescer[K comparable, V any] struct {
	order []K // first-seen order of pending keys
	items map[K]V
	delay time.Duration
	timer *time.Timer
	armed bool // true when timer is running
}

// New creates a Coalescer. delay <= 0 selects Delay.
func New[K comparable, V any](delay time.Duration) *Coalescer[K, V] {
	if delay <= 0 {
		delay = Delay
	}
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &Coalescer[K, V]{
		items: make(map[K]V),
		delay: delay,
		timer: t,
	}
}

// Add records v for key, replacing any pending value for the same key
// without moving it in the batch order. Returns true if the threshold was
// hit and the caller should flush immediately.
func (c *Coalescer[K, V]) Add(key K, v V) bool {
	if len(c.order) == 0 && !c.armed {
		c.timer.Reset(c.delay)
		c.armed = true
	}

	if _, ok := c.items[key]; !ok {
		c.order = append(c.order, key)
	}
	c.items[key] = v
	return len(c.order) >= Threshold
}

// Flush returns the pending values in first-seen key order and resets the
// batch. Returns nil if nothing is pending.
func (c *Coalescer[K, V]) Flush() []V {
	if c.armed {
		if !c.timer.Stop() {
			// Timer already fired; drain so it doesn't trigger a spurious flush.
			select {
			case <-c.timer.C:
			default:
			}
		}
		c.armed = false
	}
	if len(c.order) == 0 {
		return nil
	}

	out := make([]V, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.items[k])
	}
	c.order = c.order[:0]
	clear(c.items)
	return out
}

// Timer returns the channel that fires when the batch deadline expires. It
// only fires while a batch is pending, so it can be watched permanently:
//
//	case <-coal.Timer():
//	    for _, v := range coal.Flush() { ... }
func (c *Coalescer[K, V]) Timer() <-chan time.Time {
	return c.timer.C
}

// Stop releases the timer. Call in defer when done with the Coalescer.
func (c *Coalescer[K, V]) Stop() {
	c.timer.Stop()
	c.armed = false
}

// Pending returns the number of distinct pending keys.
func (c *Coalescer[K, V]) Pending() int {
	return len(c.order)
}
