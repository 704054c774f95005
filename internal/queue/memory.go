package queue

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

const defaultBTreeDegree = 32

type MemoryOption func(*MemoryStore)

// WithBTreeDegree sets the branching factor of every per-queue tree.
func WithBTreeDegree(degree int) MemoryOption {
	return func(s *MemoryStore) {
		if degree >= 2 {
			s.degree = degree
		}
	}
}

// MemoryStore keeps every queue in its own B-tree. Nothing survives a
// restart.
type MemoryStore struct {
	allow  Allowlist
	degree int
	queues map[string]*memoryQueue
	closed atomic.Bool
}

type memoryQueue struct {
	mu    sync.RWMutex
	items *btree.BTreeG[memoryEntry]
}

type memoryEntry struct {
	key     Key
	message string
}

func lessMemoryEntry(a, b memoryEntry) bool {
	return a.key.Compare(b.key) < 0
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ DepthReporter = (*MemoryStore)(nil)
)

func NewMemoryStore(queues []string, opts ...MemoryOption) (*MemoryStore, error) {
	allow, err := NewAllowlist(queues)
	if err != nil {
		return nil, err
	}
	s := &MemoryStore{
		allow:  allow,
		degree: defaultBTreeDegree,
	}
	for _, opt := range opts {
		opt(s)
	}
	// The map is never written after construction, so lookups need no lock.
	s.queues = make(map[string]*memoryQueue, allow.Len())
	for _, name := range allow.Names() {
		s.queues[name] = &memoryQueue{items: btree.NewG(s.degree, lessMemoryEntry)}
	}
	return s, nil
}

func (s *MemoryStore) Backend() string { return BackendMemory }

func (s *MemoryStore) QueueExists(queue string) bool {
	return s.allow.Contains(queue)
}

func (s *MemoryStore) Put(queue string, item Item) error {
	q, err := s.lookup(queue)
	if err != nil {
		return opError("put", queue, err)
	}
	if err := item.Validate(); err != nil {
		return opError("put", queue, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.ReplaceOrInsert(memoryEntry{key: item.Key(), message: item.Message})
	return nil
}

func (s *MemoryStore) Get(queue string) (Item, bool, error) {
	q, err := s.lookup(queue)
	if err != nil {
		return Item{}, false, opError("get", queue, err)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.items.Min()
	if !ok {
		return Item{}, false, nil
	}
	return itemFromKey(e.key, e.message), true, nil
}

func (s *MemoryStore) Delete(queue string) (Item, bool, error) {
	q, err := s.lookup(queue)
	if err != nil {
		return Item{}, false, opError("delete", queue, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.items.DeleteMin()
	if !ok {
		return Item{}, false, nil
	}
	return itemFromKey(e.key, e.message), true, nil
}

func (s *MemoryStore) Depth(queue string) (int, error) {
	q, err := s.lookup(queue)
	if err != nil {
		return 0, opError("depth", queue, err)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.items.Len(), nil
}

// Close drops every queue. Later calls fail with ErrStoreClosed.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	for _, q := range s.queues {
		q.mu.Lock()
		q.items.Clear(false)
		q.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) lookup(queue string) (*memoryQueue, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	q, ok := s.queues[queue]
	if !ok {
		return nil, ErrQueueNotFound
	}
	return q, nil
}
