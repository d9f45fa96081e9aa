// Package queue implements the Michael-Scott lock-free FIFO used to hand work
// from foreign goroutines to an event loop.
package queue

import "sync/atomic"

type TaskQueue[T any] interface {
	Enqueue(T)
	Dequeue() (T, bool)
	IsEmpty() bool
	Len() int
}

type Queue[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	length atomic.Int32
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

func NewQueue[T any]() *Queue[T] {
	n := &node[T]{}
	q := &Queue[T]{}
	q.head.Store(n)
	q.tail.Store(n)
	return q
}

func (that *Queue[T]) Enqueue(v T) {
	n := &node[T]{value: v}
	for {
		tail := that.tail.Load()
		next := tail.next.Load()
		if tail != that.tail.Load() {
			continue
		}
		if next == nil {
			if tail.next.CompareAndSwap(next, n) {
				that.tail.CompareAndSwap(tail, n)
				that.length.Add(1)
				return
			}
		} else {
			that.tail.CompareAndSwap(tail, next)
		}
	}
}

// Dequeue returns false when the queue is empty.
func (that *Queue[T]) Dequeue() (v T, ok bool) {
	for {
		head := that.head.Load()
		tail := that.tail.Load()
		next := head.next.Load()
		if head != that.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return v, false
			}
			that.tail.CompareAndSwap(tail, next)
			continue
		}
		// the first node is blank.
		v = next.value
		if that.head.CompareAndSwap(head, next) {
			that.length.Add(-1)
			return v, true
		}
	}
}

func (that *Queue[T]) IsEmpty() bool {
	return that.length.Load() == 0
}

func (that *Queue[T]) Len() int {
	return int(that.length.Load())
}
