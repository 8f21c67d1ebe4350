// Package serial runs tasks one at a time per key while different keys
// proceed independently.
package serial

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// KeyedQueue executes tasks submitted under the same key strictly in
// submission order. Each busy key owns one goroutine, which exits once its
// backlog is empty, so a stalled key never delays another.
type KeyedQueue struct {
	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
	logger  *zap.SugaredLogger
}

type worker struct {
	tasks []func()
}

// NewKeyedQueue creates an empty queue.
func NewKeyedQueue(logger *zap.SugaredLogger) *KeyedQueue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &KeyedQueue{
		workers: make(map[string]*worker),
		logger:  logger,
	}
}

// Enqueue schedules task behind every task already queued for key. It
// returns false once the queue is closed.
func (q *KeyedQueue) Enqueue(key string, task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if w, busy := q.workers[key]; busy {
		w.tasks = append(w.tasks, task)
		return true
	}

	w := &worker{tasks: []func(){task}}
	q.workers[key] = w
	q.wg.Add(1)
	go q.drain(key, w)
	return true
}

func (q *KeyedQueue) drain(key string, w *worker) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(w.tasks) == 0 {
			delete(q.workers, key)
			q.mu.Unlock()
			return
		}
		task := w.tasks[0]
		w.tasks[0] = nil
		w.tasks = w.tasks[1:]
		q.mu.Unlock()

		q.run(key, task)
	}
}

func (q *KeyedQueue) run(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorw("queued task panicked", "key", key, "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Pending returns the number of tasks waiting (not running) for key.
func (q *KeyedQueue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[key]; ok {
		return len(w.tasks)
	}
	return 0
}

// Wait blocks until every queued task has run.
func (q *KeyedQueue) Wait() {
	q.wg.Wait()
}

// Close rejects new tasks and waits for queued ones to finish.
func (q *KeyedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
