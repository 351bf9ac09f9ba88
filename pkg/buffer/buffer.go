// Package buffer provides a generic, thread-safe ring buffer with a
// configurable overflow policy and a wake-up channel for consumers.
package buffer

import (
	"sync"

	"github.com/c360/reddust/errors"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each item lost to
// overflow.
type DropCallback[T any] func(item T)

// Option configures a Circular buffer
type Option[T any] func(*Circular[T])

// WithOverflowPolicy sets the overflow policy (DropOldest by default)
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(c *Circular[T]) { c.policy = policy }
}

// WithDropCallback sets the drop callback
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(c *Circular[T]) { c.onDrop = callback }
}

// Circular is a fixed-capacity FIFO
type Circular[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int // next write position
	tail   int // next read position
	size   int
	closed bool
	drops  int64

	policy OverflowPolicy
	onDrop DropCallback[T]
	notify chan struct{}
}

// NewCircular creates a buffer holding up to capacity items (minimum 1)
func NewCircular[T any](capacity int, opts ...Option[T]) *Circular[T] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Circular[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write adds item according to the overflow policy
func (c *Circular[T]) Write(item T) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	var dropped T
	didDrop := false
	if c.size == len(c.items) {
		c.drops++
		didDrop = true
		if c.policy == DropNewest {
			c.mu.Unlock()
			if c.onDrop != nil {
				c.onDrop(item)
			}
			return nil
		}
		dropped = c.items[c.tail]
		c.tail = (c.tail + 1) % len(c.items)
		c.size--
	}

	c.items[c.head] = item
	c.head = (c.head + 1) % len(c.items)
	c.size++
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	if didDrop && c.onDrop != nil {
		c.onDrop(dropped)
	}
	return nil
}

// Read removes the oldest item
func (c *Circular[T]) Read() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if c.size == 0 {
		return zero, false
	}
	item := c.items[c.tail]
	c.items[c.tail] = zero
	c.tail = (c.tail + 1) % len(c.items)
	c.size--
	return item, true
}

// ReadBatch removes up to max items, oldest first
func (c *Circular[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := min(max, c.size)
	if n == 0 {
		return nil
	}
	var zero T
	out := make([]T, n)
	for i := range out {
		out[i] = c.items[c.tail]
		c.items[c.tail] = zero
		c.tail = (c.tail + 1) % len(c.items)
	}
	c.size -= n
	return out
}

// Notify is signalled after writes. One signal may cover several writes,
// so consumers drain with ReadBatch.
func (c *Circular[T]) Notify() <-chan struct{} {
	return c.notify
}

// Size returns the number of buffered items
func (c *Circular[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Capacity returns the maximum number of items
func (c *Circular[T]) Capacity() int {
	return len(c.items)
}

// Drops counts items lost to overflow
func (c *Circular[T]) Drops() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drops
}

// Close rejects further writes; buffered items stay readable
func (c *Circular[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
