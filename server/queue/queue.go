package queue

// An array-based ring queue, supposedly faster than a LinkedList implementation.
// Used as the dispatcher's backlog of received messages. Unless a limit is set, the
// queue grows when full, so Push never blocks or fails.

type Queue[T any] struct {
	// tracking the length separately in l, because calculating it from (front, back)
	// is difficult in some cases (especially rollover)
	front, back, l int
	limit          int
	queue          []T
}

// NewQueue returns an unbounded queue with room for size elements before it has to grow.
func NewQueue[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{queue: make([]T, size)}
}

// NewBoundedQueue returns a queue that refuses to hold more than limit elements.
func NewBoundedQueue[T any](limit int) *Queue[T] {
	q := NewQueue[T](limit)
	q.limit = limit
	return q
}

func (q *Queue[T]) Len() int {
	return q.l
}

// Append to the back. Returns false only if a bounded queue is full.
func (q *Queue[T]) Push(e T) bool {
	if q.l == len(q.queue) {
		if q.limit > 0 {
			return false
		}
		q.grow()
	}
	q.queue[q.back] = e
	q.back = (q.back + 1) % len(q.queue)
	q.l++
	return true
}

func (q *Queue[T]) grow() {
	n := make([]T, 2*len(q.queue))
	// unroll the ring so that front is at index 0
	k := copy(n, q.queue[q.front:])
	copy(n[k:], q.queue[:q.front])
	q.front, q.back = 0, q.l
	q.queue = n
}

// Get from the front. ok is false if the queue is empty.
func (q *Queue[T]) Pop() (e T, ok bool) {
	if q.l == 0 {
		return e, false
	}
	e = q.queue[q.front]
	var zero T
	q.queue[q.front] = zero
	q.front = (q.front + 1) % len(q.queue)
	q.l--
	return e, true
}

// Returns the front element without removing it.
func (q *Queue[T]) Peek() (e T, ok bool) {
	if q.l == 0 {
		return e, false
	}
	return q.queue[q.front], true
}
