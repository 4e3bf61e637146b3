// Package future provides a single-assignment result cell.
//
// A Cell may be resolved by several racing parties (a timer, a transport
// event, a response); the first Resolve wins and every later call is a no-op
// that reports false.
package future

import (
	"context"
	"sync"
)

// Cell holds one value of type T once it has been resolved.
type Cell[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

// New returns an unresolved cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Resolve stores v if the cell is still unresolved. It reports whether this
// call was the one that resolved the cell.
func (c *Cell[T]) Resolve(v T) bool {
	won := false
	c.once.Do(func() {
		c.val = v
		close(c.done)
		won = true
	})
	return won
}

// Done is closed once the cell has been resolved.
func (c *Cell[T]) Done() <-chan struct{} {
	return c.done
}

// Value blocks until the cell is resolved and returns the stored value.
func (c *Cell[T]) Value() T {
	<-c.done
	return c.val
}

// Wait returns the stored value, or ctx.Err() if ctx ends first.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
