// Package rendezvous implements the Server-side mapping from an opaque
// 16-byte key to a one-shot handoff slot for a Client-originated
// back-channel connection.
package rendezvous

import (
	"net"
	"sync"

	"github.com/kadeem-park/revtun/pkg/protocol"
)

// Key identifies one outstanding rendezvous.
type Key = [protocol.KeySize]byte

// Waiter is the receive side of a rendezvous slot, given to the code
// that is waiting for the Client's back-channel to arrive.
type Waiter struct {
	ch <-chan net.Conn
}

// C exposes the receive channel for use in a select alongside a timeout.
func (w Waiter) C() <-chan net.Conn {
	return w.ch
}

// Table is the concurrent key -> slot map. A plain Mutex is sufficient:
// unlike the Registry, lookups here are not read-heavy relative to
// mutations — every slot is both created and consumed exactly once.
type Table struct {
	mu    sync.Mutex
	slots map[Key]chan net.Conn
}

// New returns an empty Table.
func New() *Table {
	return &Table{slots: make(map[Key]chan net.Conn)}
}

// Add inserts a fresh handoff slot for key and returns its Waiter.
// Capacity 1 so a send into the slot that races a Remove (the timeout
// path) never blocks: the Server either delivers the connection or it doesn't, but
// it never waits on a consumer that gave up.
func (t *Table) Add(key Key) Waiter {
	ch := make(chan net.Conn, 1)
	t.mu.Lock()
	t.slots[key] = ch
	t.mu.Unlock()
	return Waiter{ch: ch}
}

// Remove atomically removes and returns the slot's sender, if any.
// Remove is the single point of contention between the two paths that
// can resolve a rendezvous: the HTTPS-side 15s timeout and the Client's
// matching Response. Whichever calls Remove first "wins" the slot and
// is responsible for it — the timeout path discards it (the external
// socket gets a 504), the Response path sends the back-channel
// connection into it. The loser's call to Remove for the same key
// returns ok=false, which it must treat as "unknown key": the Response
// path closes the late connection silently; the timeout path has
// nothing left to do. Calling Remove twice for the same key therefore
// always returns ok=true at most once.
func (t *Table) Remove(key Key) (slot chan<- net.Conn, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, found := t.slots[key]
	if !found {
		return nil, false
	}
	delete(t.slots, key)
	return ch, true
}

// Len returns the number of outstanding rendezvous slots, for metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
