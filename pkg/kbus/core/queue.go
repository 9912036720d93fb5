package core

import (
	"sync"

	"github.com/kynesim/kbus/pkg/kbus/types"
)

// Queue is a bounded FIFO of message references with priority
// insertion at the head for Urgent messages (spec §4.2, §5.2). A
// queued item is a reference to a message value; each recipient of
// the same send gets its own clone of the Message, and the clones
// share the same name/data storage (see types.Message.Clone), so
// payload storage is not duplicated per recipient.
//
// Queue guards only its own slice; it knows nothing about the switch
// or other endpoints, so unrelated endpoints' queues never contend
// with each other (spec §5 "per-endpoint queue operations are
// themselves atomic").
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*types.Message
	capacity int
	closed   bool
	invoker  Invoker
	onDepth  func(delta int)
}

// NewQueue creates a queue with the given capacity (minimum 1, per
// spec §4.2 "max_messages mutable by the endpoint, minimum 1").
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetInvoker attaches the Switch's Invoker so this queue's wait-cancellation
// watcher goroutines (spawned by WaitRoom/WaitNonEmpty) are tracked the same
// way any other switch-owned background goroutine is, instead of being
// spawned raw. A nil invoker (the zero value) falls back to spawning
// directly, which is all a standalone Queue used outside a Switch needs.
func (q *Queue) SetInvoker(inv Invoker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.invoker = inv
}

// SetDepthHook attaches a callback invoked with +1 whenever a message
// is enqueued, -1 whenever one is popped, and minus the number of
// messages removed by a non-empty Drain, used by the switch to keep its
// per-device queue-depth gauge in step without every call site having
// to recompute Len() itself.
func (q *Queue) SetDepthHook(f func(delta int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDepth = f
}

func (q *Queue) spawn(f func()) {
	q.mu.Lock()
	inv := q.invoker
	q.mu.Unlock()
	if inv != nil {
		inv.Spawn(f)
		return
	}
	go f()
}

// WaitRoom blocks until the queue has room for another message, the
// queue is closed, or done fires — backing the AllOrWait blocking
// send discipline of spec §4.2/§5 ("send with AllOrWait may block
// until queue space is available or the operation is cancelled").
func (q *Queue) WaitRoom(done <-chan struct{}) bool {
	stop := make(chan struct{})
	defer close(stop)
	q.spawn(func() {
		select {
		case <-done:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.capacity && !q.closed {
		select {
		case <-done:
			return false
		default:
		}
		q.cond.Wait()
		select {
		case <-done:
			return false
		default:
		}
	}
	return !q.closed
}

// CloseForWaiters wakes every WaitRoom caller without changing queue
// contents, used when the endpoint owning this queue closes.
func (q *Queue) CloseForWaiters() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of messages currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the current maximum queue length.
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// SetCapacity changes max_messages. Shrinking below the current
// length does not drop already-queued messages; it only blocks
// further enqueues until the queue drains back under the new limit.
func (q *Queue) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = n
	q.cond.Broadcast()
}

// HasRoom reports whether at least one more message could be
// enqueued right now, used by the switch to decide Busy/WouldBlock
// before committing to a multi-recipient send.
func (q *Queue) HasRoom() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) < q.capacity
}

// Enqueue appends m (or, if urgent, inserts it at the head) unless
// the queue is full, in which case it returns false and m is not
// queued. The caller is responsible for interpreting a false return
// per the backpressure discipline in effect (spec §4.2).
func (q *Queue) Enqueue(m *types.Message, urgent bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	if urgent {
		q.items = append(q.items, nil)
		copy(q.items[1:], q.items[:len(q.items)-1])
		q.items[0] = m
	} else {
		q.items = append(q.items, m)
	}
	q.cond.Broadcast()
	if q.onDepth != nil {
		q.onDepth(1)
	}
	return true
}

// WaitNonEmpty blocks until the queue holds at least one message, the
// queue is closed, or done fires, returning false in the latter two
// cases. Used by a bridge's local-to-peer pump, which has no other way
// to learn a new message arrived.
func (q *Queue) WaitNonEmpty(done <-chan struct{}) bool {
	stop := make(chan struct{})
	defer close(stop)
	q.spawn(func() {
		select {
		case <-done:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		select {
		case <-done:
			return false
		default:
		}
		q.cond.Wait()
		select {
		case <-done:
			return false
		default:
		}
	}
	return len(q.items) > 0 && !q.closed
}

// Pop removes and returns the head message, for the cursor-based read
// protocol of spec §4.5 (NextMessageLength pops eagerly, tying the
// opened cursor to a message by identity).
func (q *Queue) Pop() *types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items = q.items[1:]
	q.cond.Broadcast()
	if q.onDepth != nil {
		q.onDepth(-1)
	}
	return m
}

// Drain removes and returns every currently queued message, used when
// an endpoint closes and any remaining entries simply vanish.
func (q *Queue) Drain() []*types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.cond.Broadcast()
	if q.onDepth != nil && len(items) > 0 {
		q.onDepth(-len(items))
	}
	return items
}
