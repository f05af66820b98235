// Package keylock provides per-key mutual exclusion without a global lock.
//
// Keys (gateway IDs, home IDs) are hashed onto a fixed set of shards. Each
// shard tracks a reference-counted mutex per active key, so two operations on
// the same key run one after the other while operations on different keys
// only contend for the brief shard bookkeeping.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// Locker serialises work per key. The zero value is not usable; call New.
type Locker struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty Locker.
func New() *Locker {
	l := &Locker{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*entry)
	}
	return l
}

// Lock blocks until key is free and returns the function that releases it.
//
//	unlock := locker.Lock(homeID)
//	defer unlock()
func (l *Locker) Lock(key string) (unlock func()) {
	s := l.shardFor(key)

	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Active reports how many keys currently hold or wait for a lock.
func (l *Locker) Active() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}

func (l *Locker) shardFor(key string) *shard {
	return &l.shards[xxhash.Sum64String(key)%shardCount]
}
