// Package pending tracks requests that are waiting for a correlated response.
package pending

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chronologos/goim/internal/protocol"
)

// ErrSequenceInUse is returned by Register when a live entry already holds the sequence.
var ErrSequenceInUse = errors.New("sequence already pending")

// Continuation receives exactly one of a response or an error.
type Continuation func(msg *protocol.Message, err error)

// Entry is one outstanding request.
type Entry struct {
	Seq    uint16
	SentAt time.Time

	cont Continuation
}

// Table maps sequence numbers to outstanding requests.
//
// An entry is removed under the lock before its continuation runs, and the
// continuation runs outside the lock. Whichever of Resolve, Cancel, Drain or Detach
// removes an entry first is the only one that delivers to it.
type Table struct {
	mu      sync.Mutex
	entries map[uint16]*Entry

	// onChange, when set, is called with the new size after every mutation.
	onChange func(int)
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[uint16]*Entry)}
}

// OnChange installs a size observer. Must be called before the table is shared.
func (t *Table) OnChange(f func(int)) {
	t.onChange = f
}

// Register adds an entry for seq.
func (t *Table) Register(seq uint16, cont Continuation) (*Entry, error) {
	if cont == nil {
		return nil, errors.New("pending: nil continuation")
	}
	t.mu.Lock()
	if _, ok := t.entries[seq]; ok {
		t.mu.Unlock()
		return nil, errors.Wrapf(ErrSequenceInUse, "seq %d", seq)
	}
	e := &Entry{Seq: seq, SentAt: time.Now(), cont: cont}
	t.entries[seq] = e
	n := len(t.entries)
	t.mu.Unlock()

	t.changed(n)
	return e, nil
}

// Resolve removes the entry for seq and hands it msg. It reports false, and
// does nothing, when no entry is registered.
func (t *Table) Resolve(seq uint16, msg *protocol.Message) bool {
	t.mu.Lock()
	e, ok := t.entries[seq]
	if ok {
		delete(t.entries, seq)
	}
	n := len(t.entries)
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.changed(n)
	e.cont(msg, nil)
	return true
}

// Cancel removes e if it is still the registered entry for its sequence. The
// continuation is not invoked; the caller owns the outcome.
func (t *Table) Cancel(e *Entry) bool {
	if e == nil {
		return false
	}
	t.mu.Lock()
	cur, ok := t.entries[e.Seq]
	if ok && cur == e {
		delete(t.entries, e.Seq)
	} else {
		ok = false
	}
	n := len(t.entries)
	t.mu.Unlock()

	if ok {
		t.changed(n)
	}
	return ok
}

// Drain removes every entry and fails each with err. It returns how many
// entries were drained.
func (t *Table) Drain(err error) int {
	return t.Detach().Fail(err)
}

// Batch is a set of entries removed from a table together.
type Batch []*Entry

// Detach removes every entry without delivering to any of them. The caller
// settles them with Fail, typically after releasing its own locks.
func (t *Table) Detach() Batch {
	t.mu.Lock()
	detached := make(Batch, 0, len(t.entries))
	for seq, e := range t.entries {
		detached = append(detached, e)
		delete(t.entries, seq)
	}
	t.mu.Unlock()

	if len(detached) > 0 {
		t.changed(0)
	}
	return detached
}

// Fail hands err to every entry in b and returns how many there were.
func (b Batch) Fail(err error) int {
	for _, e := range b {
		e.cont(nil, err)
	}
	return len(b)
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Has reports whether seq is outstanding.
func (t *Table) Has(seq uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[seq]
	return ok
}

func (t *Table) changed(n int) {
	if t.onChange != nil {
		t.onChange(n)
	}
}
