// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package stomp

import (
	"sync"

	"github.com/mochi-mqtt/stomp/frames"
)

// DeliveryQueue is a bounded FIFO of frames awaiting delivery to a single
// session. The bound is expressed in buffered bytes.
type DeliveryQueue struct {
	sync.Mutex
	frames []frames.Frame
	ready  chan struct{} // signalled when frames are added or the queue is closed
	size   int64         // the number of bytes currently buffered
	limit  int64         // the maximum number of bytes which may be buffered
	closed bool
}

// NewDeliveryQueue returns a new queue bounded to limit bytes. A limit of 0
// or less leaves the queue unbounded.
func NewDeliveryQueue(limit int64) *DeliveryQueue {
	return &DeliveryQueue{
		ready: make(chan struct{}, 1),
		limit: limit,
	}
}

// signal wakes the consumer, if it is waiting.
func (q *DeliveryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Enqueue adds a frame to the end of the queue. ErrBackpressure is returned if
// the frame would take the queue over its limit; a frame is always accepted
// into an empty queue. ErrSessionTakenDown is returned if the queue is closed.
func (q *DeliveryQueue) Enqueue(f frames.Frame) error {
	n := int64(f.Size())

	q.Lock()
	if q.closed {
		q.Unlock()
		return frames.ErrSessionTakenDown
	}

	if q.limit > 0 && len(q.frames) > 0 && q.size+n > q.limit {
		q.Unlock()
		return frames.ErrBackpressure
	}

	q.frames = append(q.frames, f)
	q.size += n
	q.Unlock()

	q.signal()
	return nil
}

// Pop removes and returns the frame at the head of the queue.
func (q *DeliveryQueue) Pop() (frames.Frame, bool) {
	q.Lock()
	defer q.Unlock()

	if len(q.frames) == 0 {
		return frames.Frame{}, false
	}

	f := q.frames[0]
	q.frames[0] = frames.Frame{}
	q.frames = q.frames[1:]
	q.size -= int64(f.Size())
	if len(q.frames) == 0 {
		q.frames = nil
		q.size = 0
	}

	return f, true
}

// Ready returns a channel which receives when frames may be available.
func (q *DeliveryQueue) Ready() <-chan struct{} {
	return q.ready
}

// Close prevents further frames being added. Frames already queued remain
// available to Pop.
func (q *DeliveryQueue) Close() {
	q.Lock()
	q.closed = true
	q.Unlock()
	q.signal()
}

// Discard closes the queue and drops any frames which were waiting, returning
// the number of frames dropped.
func (q *DeliveryQueue) Discard() int {
	q.Lock()
	n := len(q.frames)
	q.frames = nil
	q.size = 0
	q.closed = true
	q.Unlock()
	q.signal()
	return n
}

// Closed returns true if the queue has been closed.
func (q *DeliveryQueue) Closed() bool {
	q.Lock()
	defer q.Unlock()
	return q.closed
}

// Drained returns true if the queue is closed and empty.
func (q *DeliveryQueue) Drained() bool {
	q.Lock()
	defer q.Unlock()
	return q.closed && len(q.frames) == 0
}

// Len returns the number of frames in the queue.
func (q *DeliveryQueue) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.frames)
}

// Size returns the number of bytes buffered in the queue.
func (q *DeliveryQueue) Size() int64 {
	q.Lock()
	defer q.Unlock()
	return q.size
}
