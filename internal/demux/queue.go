package demux

// Queue is an unbounded FIFO channel pair: sends on In never block, receives
// on Out see items in send order. Backing the flows with unbounded queues is
// what keeps the pump from ever blocking on slow dispatch; the long-poll
// limit caps each in-flight batch, so growth is bounded by how far dispatch
// falls behind.
type Queue[T any] struct {
	in  chan T
	out chan T
}

// NewQueue starts the queue's forwarding goroutine.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go q.forward()
	return q
}

// In is the send side. Closing it drains the buffer and then closes Out.
func (q *Queue[T]) In() chan<- T { return q.in }

// Out is the receive side.
func (q *Queue[T]) Out() <-chan T { return q.out }

// Close stops accepting new items. Buffered items remain receivable; Out
// closes once the buffer drains.
func (q *Queue[T]) Close() { close(q.in) }

func (q *Queue[T]) forward() {
	defer close(q.out)
	var buf []T
	for {
		if len(buf) == 0 {
			item, ok := <-q.in
			if !ok {
				return
			}
			buf = append(buf, item)
		}
		select {
		case item, ok := <-q.in:
			if !ok {
				// Drain the remainder.
				for _, pending := range buf {
					q.out <- pending
				}
				return
			}
			buf = append(buf, item)
		case q.out <- buf[0]:
			buf = buf[1:]
		}
	}
}
