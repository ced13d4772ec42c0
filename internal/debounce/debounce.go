// Package debounce runs deferred work keyed by resource name. Scheduling a
// key that is already pending replaces its work and restarts its timer, so a
// burst of triggers collapses into a single run once the key goes quiet.
package debounce

import (
	"sort"
	"sync"
	"time"
)

type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	running sync.WaitGroup
	closed  bool
}

type task struct {
	timer *time.Timer
	fn    func()
}

func New() *Scheduler {
	return &Scheduler{tasks: map[string]*task{}}
}

// Schedule arms fn to run after delay, replacing any pending work for key.
// It returns false once the scheduler is closed.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	if fn == nil {
		return false
	}
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if existing, ok := s.tasks[key]; ok {
		existing.timer.Stop()
	}
	t := &task{fn: fn}
	t.timer = time.AfterFunc(delay, func() { s.fire(key, t) })
	s.tasks[key] = t
	return true
}

func (s *Scheduler) fire(key string, t *task) {
	s.mu.Lock()
	if s.closed || s.tasks[key] != t {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()
	t.fn()
}

// Cancel drops pending work for key without running it.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Flush runs pending work for key immediately on the calling goroutine.
func (s *Scheduler) Flush(key string) bool {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok || s.closed {
		s.mu.Unlock()
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()
	t.fn()
	return true
}

func (s *Scheduler) FlushAll() {
	for _, key := range s.Keys() {
		s.Flush(key)
	}
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for key := range s.tasks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close abandons pending work and waits for runs already in progress.
// Callers that need pending work done call FlushAll first.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	s.running.Wait()
}
