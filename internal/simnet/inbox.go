package simnet

import "sync"

// item is one unit of work for a connection goroutine.
type item struct {
	pkt *packet
	// shutdown finishes a local Shutdown; terminate closes immediately.
	shutdown  bool
	terminate bool
}

// inbox is an unbounded FIFO with a wake-up channel.
type inbox struct {
	mu     sync.Mutex
	items  []item
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (b *inbox) push(it item) {
	b.mu.Lock()
	b.items = append(b.items, it)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []item {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
