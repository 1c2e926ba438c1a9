package transports

import "sync"

// SignalQueue delivers signals in push order without ever blocking the
// pusher, so transports can publish while holding their own locks.
type SignalQueue struct {
	mu     sync.Mutex
	items  []Signal
	closed bool
	notify chan struct{}
	out    chan Signal
}

func NewSignalQueue() *SignalQueue {
	q := &SignalQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Signal),
	}
	go q.pump()
	return q
}

// Push appends s. It reports false once the queue is closed.
func (q *SignalQueue) Push(s Signal) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, s)
	q.mu.Unlock()
	q.wake()
	return true
}

// Close stops accepting signals. Already queued signals are still delivered
// before the output channel closes.
func (q *SignalQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// C returns the delivery channel.
func (q *SignalQueue) C() <-chan Signal { return q.out }

func (q *SignalQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *SignalQueue) pump() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				close(q.out)
				return
			}
			<-q.notify
			continue
		}
		s := q.items[0]
		q.items[0] = Signal{}
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- s
	}
}
