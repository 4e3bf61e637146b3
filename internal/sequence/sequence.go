// Package sequence allocates 16-bit correlation ids for outbound requests.
package sequence

import "sync/atomic"

// Generator hands out sequence numbers 1, 2, ..., 65535, 0, 1, ...
//
// The counter is pre-incremented, so the first value is 1. Values wrap modulo
// 65536; nothing prevents a value from being handed out again while a request
// holding it is still pending after a full wrap.
//
// Generator is safe for concurrent use.
type Generator struct {
	n atomic.Uint32
}

// New returns a generator whose first Next is 1.
func New() *Generator {
	return &Generator{}
}

// NewAt returns a generator whose first Next is start+1 (mod 65536).
func NewAt(start uint16) *Generator {
	g := &Generator{}
	g.n.Store(uint32(start))
	return g
}

// Next returns the next sequence number. The 32-bit counter wraps at a
// multiple of 65536, so truncation keeps the 16-bit sequence continuous.
func (g *Generator) Next() uint16 {
	return uint16(g.n.Add(1))
}
