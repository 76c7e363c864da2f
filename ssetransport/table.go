package ssetransport

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 16

// sessionTable maps session ids to live sessions. Entries are spread over
// independently locked shards so unrelated sessions do not contend.
type sessionTable struct {
	shards [shardCount]tableShard
}

type tableShard struct {
	mu sync.RWMutex
	m  map[string]*Session
}

func newSessionTable() *sessionTable {
	t := &sessionTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*Session)
	}
	return t
}

func (t *sessionTable) shard(id string) *tableShard {
	return &t.shards[xxhash.Sum64String(id)%shardCount]
}

func (t *sessionTable) insert(s *Session) {
	sh := t.shard(s.id)
	sh.mu.Lock()
	sh.m[s.id] = s
	sh.mu.Unlock()
}

func (t *sessionTable) get(id string) (*Session, bool) {
	sh := t.shard(id)
	sh.mu.RLock()
	s, ok := sh.m[id]
	sh.mu.RUnlock()
	return s, ok
}

// remove deletes the entry for s.id only if it still points at s.
func (t *sessionTable) remove(s *Session) {
	sh := t.shard(s.id)
	sh.mu.Lock()
	if cur, ok := sh.m[s.id]; ok && cur == s {
		delete(sh.m, s.id)
	}
	sh.mu.Unlock()
}

func (t *sessionTable) len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

func (t *sessionTable) snapshot() []*Session {
	var out []*Session
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, s := range sh.m {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}
