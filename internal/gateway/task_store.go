package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/butler/internal/agent"
)

// TaskStore tracks the tasks a gateway is serving so tool results reported
// on a separate request can reach them.
type TaskStore interface {
	Put(task *agent.Task)
	Get(id string) (*agent.Task, bool)
	// Delete removes task unless its id now maps to a different task.
	Delete(task *agent.Task)
}

// DefaultTaskTTL bounds how long a task stays addressable.
const DefaultTaskTTL = 30 * time.Minute

// MemoryTaskStore is an in-memory TaskStore with per-task expiration.
// Expired tasks are stopped when they are evicted.
type MemoryTaskStore struct {
	mu      sync.RWMutex
	entries map[string]*taskEntry
	ttl     time.Duration
	stopCh  chan struct{}
	stopped atomic.Bool
}

type taskEntry struct {
	task      *agent.Task
	expiresAt time.Time
}

// NewMemoryTaskStore creates a store whose entries live for ttl. A positive
// cleanupInterval starts a background sweep; call Close to end it.
func NewMemoryTaskStore(ttl, cleanupInterval time.Duration) *MemoryTaskStore {
	if ttl <= 0 {
		ttl = DefaultTaskTTL
	}
	s := &MemoryTaskStore{
		entries: make(map[string]*taskEntry),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Put stores task under its id, replacing any previous entry.
func (s *MemoryTaskStore) Put(task *agent.Task) {
	if task == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[task.ID()] = &taskEntry{task: task, expiresAt: time.Now().Add(s.ttl)}
}

// Get returns the live task with id.
func (s *MemoryTaskStore) Get(id string) (*agent.Task, bool) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		s.evict(id, entry)
		return nil, false
	}
	return entry.task, true
}

// Delete removes task without stopping it. A task that has since been
// replaced under the same id is left alone.
func (s *MemoryTaskStore) Delete(task *agent.Task) {
	if task == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[task.ID()]; ok && entry.task == task {
		delete(s.entries, task.ID())
	}
}

// Len returns the number of stored tasks, expired ones included.
func (s *MemoryTaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the background sweep.
func (s *MemoryTaskStore) Close() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
}

func (s *MemoryTaskStore) evict(id string, entry *taskEntry) {
	s.mu.Lock()
	cur, ok := s.entries[id]
	if ok && cur == entry {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok && cur == entry {
		entry.task.Stop()
	}
}

func (s *MemoryTaskStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryTaskStore) cleanup() {
	now := time.Now()
	var expired []*agent.Task
	s.mu.Lock()
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
			expired = append(expired, entry.task)
		}
	}
	s.mu.Unlock()
	for _, task := range expired {
		task.Stop()
	}
}
