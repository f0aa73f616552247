package sshterminal

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type worker struct {
	stop chan struct{}
	done chan struct{}
}

// ThreadManager tracks one goroutine per terminal id together with a stop
// channel for it. A goroutine blocked in a network read cannot be
// interrupted; callers close the channel it reads from before Stop.
type ThreadManager struct {
	mu        sync.Mutex
	workers   map[string]*worker
	live      atomic.Int32
	abandoned atomic.Int32
}

func NewThreadManager() *ThreadManager {
	return &ThreadManager{workers: make(map[string]*worker)}
}

// Spawn starts fn in a new goroutine registered under id. fn must return
// soon after stop is closed.
func (tm *ThreadManager) Spawn(id string, fn func(stop <-chan struct{})) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, ok := tm.workers[id]; ok {
		return fmt.Errorf("worker %s already running", id)
	}
	w := &worker{stop: make(chan struct{}), done: make(chan struct{})}
	tm.workers[id] = w
	tm.live.Add(1)
	go func() {
		defer func() {
			tm.live.Add(-1)
			close(w.done)
		}()
		fn(w.stop)
	}()
	return nil
}

// Stop signals the worker for id and waits up to timeout for it to return.
// It reports whether the worker was joined; a worker that does not exit in
// time is abandoned and counted. Unknown ids are joined trivially.
func (tm *ThreadManager) Stop(id string, timeout time.Duration) bool {
	tm.mu.Lock()
	w, ok := tm.workers[id]
	delete(tm.workers, id)
	tm.mu.Unlock()
	if !ok {
		return true
	}
	close(w.stop)
	return tm.join(id, w, time.Now().Add(timeout))
}

// StopAll signals every worker, then joins each against one shared deadline.
// It returns the number of workers abandoned.
func (tm *ThreadManager) StopAll(timeout time.Duration) int {
	tm.mu.Lock()
	all := tm.workers
	tm.workers = make(map[string]*worker)
	tm.mu.Unlock()

	for _, w := range all {
		close(w.stop)
	}
	deadline := time.Now().Add(timeout)
	abandoned := 0
	for id, w := range all {
		if !tm.join(id, w, deadline) {
			abandoned++
		}
	}
	return abandoned
}

func (tm *ThreadManager) join(id string, w *worker, deadline time.Time) bool {
	select {
	case <-w.done:
		return true
	default:
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		tm.abandoned.Add(1)
		log.Printf("[workers] worker %s did not exit in time, abandoning", id)
		return false
	}
}

// Live returns the number of worker goroutines still running, abandoned ones
// included.
func (tm *ThreadManager) Live() int { return int(tm.live.Load()) }

// Abandoned returns how many workers were given up on since creation.
func (tm *ThreadManager) Abandoned() int { return int(tm.abandoned.Load()) }

// Registered returns the number of workers that can still be stopped.
func (tm *ThreadManager) Registered() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.workers)
}
