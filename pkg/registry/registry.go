// Package registry implements the Server-side mapping from virtual host
// name to the owning Client session's forward-request queue.
package registry

import (
	"sync"

	"github.com/kadeem-park/revtun/pkg/protocol"
	"github.com/kadeem-park/revtun/pkg/tunnelerr"
)

// ForwardRequest is an internal record describing one pending external
// session the Server wants the owning Client to service.
type ForwardRequest struct {
	Key  [protocol.KeySize]byte
	Host string
}

// Producer is the write side of a host's forward-request queue, held by
// the Registry and cloned to every caller of Get.
type Producer struct {
	q *unboundedQueue
}

// Send enqueues req without blocking; the queue is unbounded so this
// never back-pressures the caller.
func (p Producer) Send(req ForwardRequest) {
	p.q.push(req)
}

// Consumer is the read side of a host's forward-request queue, returned
// to the caller of Add and owned by exactly one Client session.
type Consumer struct {
	q *unboundedQueue
}

// C exposes the receive channel for use in a select statement alongside
// other cases (e.g. a control-link frame read). It closes once the
// owning Registry entry has been removed; requests still buffered at
// that point are discarded rather than delivered.
func (c Consumer) C() <-chan ForwardRequest {
	return c.q.out
}

// Registry is the concurrent host -> Producer map. Many concurrent Gets
// are expected; Add/Remove are rare, so access is guarded by a
// sync.RWMutex rather than a plain Mutex.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*unboundedQueue
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{hosts: make(map[string]*unboundedQueue)}
}

// Exists reports whether any of hosts is currently registered.
func (r *Registry) Exists(hosts []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range hosts {
		if _, ok := r.hosts[h]; ok {
			return true
		}
	}
	return false
}

// Add atomically checks that none of hosts is already registered and, if
// so, inserts all of them pointing at a freshly created queue, returning
// its Consumer side. If any host overlaps an existing registration, Add
// inserts nothing and returns a RegisterConflict error: Exists-then-Add
// is fused into one critical section here, so there is no window for a
// racing Add to slip in between a check and an insert — Add itself
// rejects on conflict rather than letting a racing Add win silently.
func (r *Registry) Add(hosts []string) (Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conflicts []string
	for _, h := range hosts {
		if _, ok := r.hosts[h]; ok {
			conflicts = append(conflicts, h)
		}
	}
	if len(conflicts) > 0 {
		return Consumer{}, tunnelerr.NewRegisterConflict(conflicts)
	}

	q := newUnboundedQueue()
	for _, h := range hosts {
		r.hosts[h] = q
	}
	return Consumer{q: q}, nil
}

// Get returns the Producer owning host, if any.
func (r *Registry) Get(host string) (Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.hosts[host]
	if !ok {
		return Producer{}, false
	}
	return Producer{q: q}, true
}

// Remove deletes every entry in hosts and closes their shared queue.
// Calling Remove twice for the same set has the same effect as calling
// it once.
func (r *Registry) Remove(hosts []string) {
	r.mu.Lock()
	var closed *unboundedQueue
	for _, h := range hosts {
		if q, ok := r.hosts[h]; ok {
			closed = q
			delete(r.hosts, h)
		}
	}
	r.mu.Unlock()

	if closed != nil {
		closed.close()
	}
}

// Len returns the number of currently registered hosts, for metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}
