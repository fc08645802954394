package crawler

import "sync"

// Queue holds pending requests and rejects anything already issued during the
// run, so a retried cursor can never dispatch the same page twice.
type Queue struct {
	mu      sync.Mutex
	pending []*Request
	issued  map[string]bool
}

// NewQueue creates an empty request queue.
func NewQueue() *Queue {
	return &Queue{
		issued: make(map[string]bool),
	}
}

// Push adds a request unless an identical one was already queued or issued.
// Returns true if the request was accepted.
func (q *Queue) Push(req *Request) bool {
	if req == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	fp := req.Fingerprint()
	if q.issued[fp] {
		return false
	}
	q.issued[fp] = true
	q.pending = append(q.pending, req)
	return true
}

// Pop removes and returns the oldest pending request, nil when empty.
func (q *Queue) Pop() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	return req
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
