package scheduler

import (
	"sort"

	"github.com/LayerDynamics/mlxr/request"
)

// waitQueue is a FIFO of admitted-but-not-yet-prefilled requests, with
// priority-then-arrival ordering applied before each step when
// Config.PriorityEnabled is set.
type waitQueue struct {
	items []*request.Request
}

func (q *waitQueue) enqueue(r *request.Request) {
	q.items = append(q.items, r)
}

// prependFront pushes a request back to the head of the queue. Resumed
// paused requests do not go through it: resumePaused appends them with
// enqueue.
func (q *waitQueue) prependFront(r *request.Request) {
	q.items = append([]*request.Request{r}, q.items...)
}

func (q *waitQueue) peek() *request.Request {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *waitQueue) dequeue() *request.Request {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r
}

func (q *waitQueue) len() int { return len(q.items) }

// reorder applies priority-then-FIFO ordering in place, stably, when
// priorityEnabled. Plain FCFS (arrival order) is the no-op default.
func (q *waitQueue) reorder(priorityEnabled bool) {
	if !priorityEnabled {
		return
	}
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority > q.items[j].Priority
		}
		return q.items[i].ArrivalTime < q.items[j].ArrivalTime
	})
}

func (q *waitQueue) remove(id string) bool {
	for i, r := range q.items {
		if r.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *waitQueue) snapshot() []*request.Request {
	return append([]*request.Request(nil), q.items...)
}
