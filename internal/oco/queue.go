package oco

import (
	"sync"

	"github.com/amirphl/bracket-trader/internal/tracker"
)

type eventKind int

const (
	evStatus eventKind = iota
	evShutdown
)

type event struct {
	kind eventKind
	n    tracker.Notification
}

// mailbox is an unbounded FIFO. push never blocks, so it is safe to call from
// tracker subscribers that run under the tracker lock.
type mailbox struct {
	mu     sync.Mutex
	items  []event
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (q *mailbox) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ready fires when at least one push happened since the last drain.
func (q *mailbox) ready() <-chan struct{} {
	return q.signal
}

func (q *mailbox) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
