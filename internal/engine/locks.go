package engine

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

// DefaultLockShards is the number of shards of a KeyLocks table.
const DefaultLockShards = 64

// KeyLocks hands out one mutex per key. Entries are reference counted and
// dropped once no holder or waiter is left, so the table only grows with the
// number of keys in use. murmur3 spreads keys over shards to keep the
// bookkeeping mutexes uncontended; two keys in one shard never wait on
// each other.
type KeyLocks struct {
	shards []lockShard
}

type lockShard struct {
	mu      sync.Mutex
	entries map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocks creates a table with n shards, DefaultLockShards when n <= 0.
func NewKeyLocks(n int) *KeyLocks {
	if n <= 0 {
		n = DefaultLockShards
	}
	l := &KeyLocks{shards: make([]lockShard, n)}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*keyLock)
	}
	return l
}

func (l *KeyLocks) shard(key string) *lockShard {
	return &l.shards[murmur3.Sum32([]byte(key))%uint32(len(l.shards))]
}

// Lock blocks until key is free and returns its unlock func.
func (l *KeyLocks) Lock(key string) func() {
	s := l.shard(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &keyLock{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (l *KeyLocks) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
