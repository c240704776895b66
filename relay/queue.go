package relay

import (
	"log"
	"runtime/debug"
	"sync"
)

// Queue bounds how many tasks run at once. Excess tasks wait in FIFO
// order; a finishing task hands its slot straight to the next one.
type Queue struct {
	mu      sync.Mutex
	limit   int
	active  int
	pending []func()
}

type QueueStats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Limit  int `json:"limit"`
}

func NewQueue(limit int) *Queue {
	if limit < 1 {
		limit = 1
	}
	return &Queue{limit: limit, pending: make([]func(), 0)}
}

// Submit runs task now if a slot is free, otherwise queues it.
// Reports whether the task started immediately.
func (q *Queue) Submit(task func()) bool {
	q.mu.Lock()
	if q.active >= q.limit {
		q.pending = append(q.pending, task)
		n := len(q.pending)
		q.mu.Unlock()
		log.Printf("[relay] Max FFmpeg processes (%d) reached. Queued task, %d waiting", q.limit, n)
		return false
	}
	q.active++
	q.mu.Unlock()

	go q.run(task)
	return true
}

func (q *Queue) run(task func()) {
	for task != nil {
		q.call(task)

		q.mu.Lock()
		if len(q.pending) == 0 {
			q.active--
			task = nil
		} else {
			task = q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()
	}
}

func (q *Queue) call(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[relay] queued task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	task()
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Active: q.active, Queued: len(q.pending), Limit: q.limit}
}
