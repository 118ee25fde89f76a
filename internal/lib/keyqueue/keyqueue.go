// Package keyqueue runs jobs one at a time per key, in the order they
// were submitted. Jobs for different keys run concurrently.
package keyqueue

import "sync"

type Queue struct {
	mu      sync.Mutex
	pending map[string][]func()
}

func New() *Queue {
	return &Queue{pending: make(map[string][]func())}
}

// Submit queues job behind the earlier jobs for key and returns at once.
// A key with queued work has exactly one goroutine draining it. job must
// not panic.
func (q *Queue) Submit(key string, job func()) {
	q.mu.Lock()
	jobs, running := q.pending[key]
	q.pending[key] = append(jobs, job)
	q.mu.Unlock()

	if !running {
		go q.drain(key)
	}
}

func (q *Queue) drain(key string) {
	for {
		q.mu.Lock()
		jobs := q.pending[key]
		if len(jobs) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		jobs[0] = nil
		q.pending[key] = jobs[1:]
		q.mu.Unlock()

		job()
	}
}

// Len reports how many keys have queued or running work.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
