package harness

import "sync"

// Queue is an ordered, finite queue of cases.
type Queue struct {
	mu    sync.Mutex
	cases []Case
}

// NewQueue creates a queue holding cases in order.
func NewQueue(cases ...Case) *Queue {
	return &Queue{cases: append([]Case(nil), cases...)}
}

// Push appends cases.
func (q *Queue) Push(cases ...Case) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cases = append(q.cases, cases...)
}

// Pop removes and returns the first case.
func (q *Queue) Pop() (Case, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.cases) == 0 {
		return Case{}, false
	}
	c := q.cases[0]
	q.cases = q.cases[1:]
	return c, true
}

// Len returns the number of queued cases.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cases)
}
