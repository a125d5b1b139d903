package message

import "errors"

// ErrQueueFull is returned when a push would exceed the queue's capacity.
// Overflow is a hard error so callers notice backpressure instead of the
// queue silently dropping traffic.
var ErrQueueFull = errors.New("message: queue full")

type entry struct {
	msg Message
	seq uint64
}

// Queue is a bounded priority queue. Pop returns the highest-priority
// message first; messages of equal priority come out in insertion order.
// It is not safe for concurrent use; the dispatcher owns it from a single
// loop.
type Queue struct {
	heap []entry
	max  int
	seq  uint64
}

func NewQueue(max int) *Queue {
	return &Queue{max: max}
}

func (q *Queue) Len() int { return len(q.heap) }

// BytesQueued reports the serialized size of all queued messages. The
// dispatcher uses it to seed the acceptBytes budget of an exchange.
func (q *Queue) BytesQueued() int {
	n := 0
	for _, e := range q.heap {
		n += encodedLen(e.msg)
	}
	return n
}

func (q *Queue) Push(m Message) error {
	if len(q.heap) >= q.max {
		return ErrQueueFull
	}
	q.seq++
	q.heap = append(q.heap, entry{msg: m, seq: q.seq})
	q.up(len(q.heap) - 1)
	return nil
}

func (q *Queue) Pop() (Message, bool) {
	if len(q.heap) == 0 {
		return Message{}, false
	}
	top := q.heap[0]
	last := len(q.heap) - 1
	q.heap[0] = q.heap[last]
	q.heap = q.heap[:last]
	if last > 0 {
		q.down(0)
	}
	return top.msg, true
}

// less orders entries by priority descending, then by insertion order, so
// the heap behaves like a stable sort by priority.
func (q *Queue) less(i, j int) bool {
	a, b := q.heap[i], q.heap[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority > b.msg.Priority
	}
	return a.seq < b.seq
}

func (q *Queue) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			break
		}
		q.heap[i], q.heap[parent] = q.heap[parent], q.heap[i]
		i = parent
	}
}

func (q *Queue) down(i int) {
	n := len(q.heap)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && q.less(left, smallest) {
			smallest = left
		}
		if right < n && q.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		q.heap[i], q.heap[smallest] = q.heap[smallest], q.heap[i]
		i = smallest
	}
}
