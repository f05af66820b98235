package session

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const indexShards = 32

// index is a string-keyed session map split across read/write-locked shards.
type index struct {
	shards [indexShards]indexShard
}

type indexShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newIndex() *index {
	ix := &index{}
	for i := range ix.shards {
		ix.shards[i].sessions = make(map[string]*Session)
	}
	return ix
}

func (ix *index) shard(key string) *indexShard {
	return &ix.shards[xxhash.Sum64String(key)%indexShards]
}

func (ix *index) get(key string) *Session {
	sh := ix.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[key]
}

func (ix *index) put(key string, s *Session) {
	sh := ix.shard(key)
	sh.mu.Lock()
	sh.sessions[key] = s
	sh.mu.Unlock()
}

// deleteIf removes key only while it still maps to s.
func (ix *index) deleteIf(key string, s *Session) bool {
	sh := ix.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.sessions[key] != s {
		return false
	}
	delete(sh.sessions, key)
	return true
}

func (ix *index) len() int {
	n := 0
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

func (ix *index) each(fn func(*Session)) {
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.RLock()
		list := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			list = append(list, s)
		}
		sh.mu.RUnlock()
		for _, s := range list {
			fn(s)
		}
	}
}
