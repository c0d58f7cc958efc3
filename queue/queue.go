// Package queue implements a min-heap of named deadlines. The broker uses
// it to find expired workers without scanning the whole directory.
package queue

import "container/heap"

// An Item is a named deadline managed by the queue.
type Item struct {
	Value    string // name the deadline belongs to
	Priority int64  // deadline, unix seconds or nanos, smallest pops first
	index    int
}

type items []*Item

func (q items) Len() int { return len(q) }

func (q items) Less(i, j int) bool {
	return q[i].Priority < q[j].Priority
}

func (q items) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *items) Push(x any) {
	item := x.(*Item)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *items) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// DeadlineQueue pops items in deadline order. Entries are never updated in
// place: pushing a later deadline for the same value supersedes the old
// entry, callers skip stale pops by checking their own source of truth.
type DeadlineQueue struct {
	heap items
}

func New() *DeadlineQueue {
	return &DeadlineQueue{}
}

func (q *DeadlineQueue) Len() int {
	return q.heap.Len()
}

func (q *DeadlineQueue) Push(value string, priority int64) {
	heap.Push(&q.heap, &Item{Value: value, Priority: priority})
}

// Peek returns the earliest deadline without removing it.
func (q *DeadlineQueue) Peek() (*Item, bool) {
	if q.heap.Len() == 0 {
		return nil, false
	}
	return q.heap[0], true
}

// PopExpired removes and returns every item whose deadline is at or before
// now, in deadline order.
func (q *DeadlineQueue) PopExpired(now int64) []*Item {
	var out []*Item
	for q.heap.Len() > 0 && q.heap[0].Priority <= now {
		out = append(out, heap.Pop(&q.heap).(*Item))
	}
	return out
}
