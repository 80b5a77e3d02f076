package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process default: an exact-match LRU bounded at
// max entries. Expired entries are dropped on access, not swept.
type MemoryStore struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[string]*list.Element
}

type memoryItem struct {
	key   string
	entry *Entry
}

// NewMemoryStore builds an LRU store holding at most max entries.
// Non-positive max means DefaultMaxEntries.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &MemoryStore{
		max:   max,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	it := el.Value.(*memoryItem)
	if !it.entry.ExpiresAt.IsZero() && time.Now().After(it.entry.ExpiresAt) {
		s.ll.Remove(el)
		delete(s.items, key)
		return nil, false, nil
	}
	s.ll.MoveToFront(el)
	return it.entry, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		el.Value.(*memoryItem).entry = e
		s.ll.MoveToFront(el)
		return nil
	}
	s.items[key] = s.ll.PushFront(&memoryItem{key: key, entry: e})
	for s.ll.Len() > s.max {
		oldest := s.ll.Back()
		if oldest == nil {
			break
		}
		s.ll.Remove(oldest)
		delete(s.items, oldest.Value.(*memoryItem).key)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.ll.Remove(el)
		delete(s.items, key)
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ll.Init()
	s.items = make(map[string]*list.Element)
	return nil
}

// Len reports the number of live entries, expired ones included until
// their next access.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}
