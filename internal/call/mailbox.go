package call

import "sync"

// event is anything the manager loop handles. Concrete types live in
// manager.go.
type event any

// mailbox is an unbounded FIFO feeding the manager loop. post never blocks,
// so pion callbacks and timers can hand off work from any goroutine,
// including while the loop itself is closing a peer.
type mailbox struct {
	mu     sync.Mutex
	queue  []event
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (b *mailbox) post(ev event) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []event {
	b.mu.Lock()
	q := b.queue
	b.queue = nil
	b.mu.Unlock()
	return q
}
