package server

import (
	"sync"

	"github.com/szibis/metrics-relay/internal/record"
)

// DefaultQueueSize is the default number of records buffered per server.
const DefaultQueueSize = 25000

type entry struct {
	seq uint64
	rec *record.Record
}

// Queue is a bounded in-memory FIFO of records for one server.
// When full, the oldest entry is evicted to make room: producers are never
// blocked and the freshest data is kept.
//
// Any number of goroutines may Push. Peek and Discard are meant for the
// single sending goroutine; a record is only removed from the head after it
// was written, so a failed write leaves it queued.
type Queue struct {
	mu      sync.Mutex
	buf     []entry // ring buffer, grows up to maxSize
	head    int
	count   int
	maxSize int
	nextSeq uint64
	evicted uint64
}

// NewQueue creates a queue holding at most maxSize records.
// If maxSize is 0 or negative, DefaultQueueSize is used.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	initial := 64
	if initial > maxSize {
		initial = maxSize
	}
	return &Queue{
		buf:     make([]entry, initial),
		maxSize: maxSize,
	}
}

// Push appends rec. It reports whether the oldest record was evicted to
// make room.
func (q *Queue) Push(rec *record.Record) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		if len(q.buf) < q.maxSize {
			q.grow()
		} else {
			q.evictOldest()
			evicted = true
		}
	}

	q.nextSeq++
	q.buf[(q.head+q.count)%len(q.buf)] = entry{seq: q.nextSeq, rec: rec}
	q.count++
	return evicted
}

// Peek appends up to max records from the head of the queue to dst without
// removing them. It returns the sequence number of the last record returned,
// to be passed to Discard once those records are delivered.
func (q *Queue) Peek(dst []*record.Record, max int) ([]*record.Record, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if max > 0 && n > max {
		n = max
	}
	var last uint64
	for i := 0; i < n; i++ {
		e := q.buf[(q.head+i)%len(q.buf)]
		dst = append(dst, e.rec)
		last = e.seq
	}
	return dst, last
}

// Discard removes records from the head up to and including sequence
// number through. Records evicted in the meantime are simply gone; newer
// records are never removed. It returns the number of records removed.
func (q *Queue) Discard(through uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for q.count > 0 && q.buf[q.head].seq <= through {
		q.buf[q.head] = entry{} // allow GC to collect the record
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		removed++
	}
	return removed
}

// Pop removes and returns the oldest record, or nil if the queue is empty.
func (q *Queue) Pop() *record.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	e := q.buf[q.head]
	q.buf[q.head] = entry{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return e.rec
}

// Clear removes every queued record and returns how many there were.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	clear(q.buf)
	q.head, q.count = 0, 0
	return n
}

// Len returns the current number of records in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the maximum number of records the queue holds.
func (q *Queue) Cap() int {
	return q.maxSize
}

// Evicted returns the total number of records evicted since creation.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// evictOldest removes the head entry. Must be called with q.mu held.
func (q *Queue) evictOldest() {
	if q.count == 0 {
		return
	}
	q.buf[q.head] = entry{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.evicted++
}

// grow doubles the ring buffer, capped at maxSize. Must be called with q.mu
// held.
func (q *Queue) grow() {
	size := len(q.buf) * 2
	if size > q.maxSize {
		size = q.maxSize
	}
	grown := make([]entry, size)
	for i := 0; i < q.count; i++ {
		grown[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = grown
	q.head = 0
}
