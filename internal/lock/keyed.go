// Package lock provides per-key mutual exclusion without a global lock table.
package lock

import (
	"hash/fnv"
	"strconv"
	"sync"
)

const defaultShards = 32

type entry struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// KeyedMutex serializes callers holding the same key. Entries exist only while
// someone holds or waits for the key.
type KeyedMutex struct {
	shards []shard
}

func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = defaultShards
	}
	km := &KeyedMutex{shards: make([]shard, shards)}
	for i := range km.shards {
		km.shards[i].entries = make(map[string]*entry)
	}
	return km
}

func (km *KeyedMutex) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &km.shards[h.Sum32()%uint32(len(km.shards))]
}

// Lock blocks until key is free and returns the function that releases it.
// The returned func is safe to call more than once.
func (km *KeyedMutex) Lock(key string) (unlock func()) {
	s := km.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return km.releaser(s, key, e)
}

// TryLock takes key only if nobody holds or awaits it.
func (km *KeyedMutex) TryLock(key string) (unlock func(), ok bool) {
	s := km.shardFor(key)

	s.mu.Lock()
	if _, busy := s.entries[key]; busy {
		s.mu.Unlock()
		return nil, false
	}
	e := &entry{refs: 1}
	e.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()

	return km.releaser(s, key, e), true
}

func (km *KeyedMutex) releaser(s *shard, key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		})
	}
}

// ParcelKey is the key parcel-level work locks on.
func ParcelKey(parcelID int64) string {
	return "parcel:" + strconv.FormatInt(parcelID, 10)
}

// Len reports how many keys are currently held or awaited.
func (km *KeyedMutex) Len() int {
	n := 0
	for i := range km.shards {
		s := &km.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
