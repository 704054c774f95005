package queue

import (
	"fmt"
	"sort"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// TombstonePolicy decides what a durable store does with a dequeued row.
type TombstonePolicy string

const (
	// TombstonesRetain keeps the row with valid = 0.
	TombstonesRetain TombstonePolicy = "retain"
	// TombstonesPurge deletes the row.
	TombstonesPurge TombstonePolicy = "purge"
)

func ParseTombstonePolicy(s string) (TombstonePolicy, error) {
	switch TombstonePolicy(s) {
	case "", TombstonesRetain:
		return TombstonesRetain, nil
	case TombstonesPurge:
		return TombstonesPurge, nil
	}
	return "", fmt.Errorf("unknown tombstone policy %q (want retain or purge)", s)
}

// Store is a set of named queues ordered by item key.
//
// Get returns the smallest active item without mutating anything. Delete
// removes and returns it atomically; concurrent callers never receive the
// same item. Both report ok == false on an empty queue.
type Store interface {
	Put(queue string, item Item) error
	Get(queue string) (item Item, ok bool, err error)
	Delete(queue string) (item Item, ok bool, err error)
	QueueExists(queue string) bool
	Close() error
}

// DepthReporter is implemented by stores that can count the active items of
// a queue.
type DepthReporter interface {
	Depth(queue string) (int, error)
}

// Allowlist is the fixed set of queue names a store serves.
type Allowlist struct {
	names map[string]struct{}
}

// NewAllowlist validates every name. Duplicates are an error so that a typo
// in configuration does not silently collapse two queues.
func NewAllowlist(names []string) (Allowlist, error) {
	if len(names) == 0 {
		return Allowlist{}, fmt.Errorf("%w: no queues configured", ErrInvalidQueueName)
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			return Allowlist{}, err
		}
		if _, dup := set[name]; dup {
			return Allowlist{}, fmt.Errorf("%w: duplicate queue %q", ErrInvalidQueueName, name)
		}
		set[name] = struct{}{}
	}
	return Allowlist{names: set}, nil
}

func (a Allowlist) Contains(name string) bool {
	_, ok := a.names[name]
	return ok
}

// Names returns the queue names in lexical order.
func (a Allowlist) Names() []string {
	out := make([]string, 0, len(a.names))
	for name := range a.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (a Allowlist) Len() int {
	return len(a.names)
}
