package datapath_test

import (
	"sync"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// mockRegistry is an in-memory HookRegistry that records installed hooks.
type mockRegistry struct {
	mu    sync.Mutex
	hooks map[int]transport.Hook
	next  int
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{hooks: make(map[int]transport.Hook)}
}

func (r *mockRegistry) AddHook(h transport.Hook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	r.next++
	r.hooks[id] = h

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.hooks, id)
	}
}

func (r *mockRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

// receive runs d through every installed hook and reports whether any
// dropped it.
func (r *mockRegistry) receive(d *transport.Datagram) bool {
	r.mu.Lock()
	hooks := make([]transport.Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		hooks = append(hooks, h)
	}
	r.mu.Unlock()

	for _, h := range hooks {
		if h.Receive(d) {
			return true
		}
	}
	return false
}
