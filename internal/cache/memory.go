package cache

import (
	"context"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// memoryItem is what a partition stores per URL.
type memoryItem struct {
	seq   uint64
	entry Entry
}

// MemoryStorage keeps partitions in process memory. Entries never expire.
type MemoryStorage struct {
	mu         sync.Mutex
	partitions map[string]*memoryCache
	order      []string
	seq        uint64
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{partitions: make(map[string]*memoryCache)}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(name), nil
}

func (s *MemoryStorage) openLocked(name string) *memoryCache {
	if c, ok := s.partitions[name]; ok {
		return c
	}
	c := &memoryCache{
		storage: s,
		name:    name,
		items:   gocache.New(gocache.NoExpiration, 0),
	}
	s.partitions[name] = c
	s.order = append(s.order, name)
	return c
}

func (s *MemoryStorage) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	c.items.Flush()
	delete(s.partitions, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.order...), nil
}

func (s *MemoryStorage) Match(ctx context.Context, rawURL string) (*Entry, error) {
	s.mu.Lock()
	caches := make([]*memoryCache, 0, len(s.order))
	for _, name := range s.order {
		caches = append(caches, s.partitions[name])
	}
	s.mu.Unlock()

	for _, c := range caches {
		if e, _ := c.Match(ctx, rawURL); e != nil {
			return e, nil
		}
	}
	return nil, nil
}

// Close is a no-op.
func (s *MemoryStorage) Close() error {
	return nil
}

type memoryCache struct {
	storage *MemoryStorage
	name    string
	items   *gocache.Cache
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(_ context.Context, rawURL string) (*Entry, error) {
	v, ok := c.items.Get(Key(rawURL))
	if !ok {
		return nil, nil
	}
	item := v.(memoryItem)
	e := item.entry
	e.Header = e.Header.Clone()
	e.Body = append([]byte(nil), e.Body...)
	return &e, nil
}

func (c *memoryCache) Put(_ context.Context, e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}

	// A deleted partition comes back on write.
	c.storage.mu.Lock()
	if _, ok := c.storage.partitions[c.name]; !ok {
		c.storage.partitions[c.name] = c
		c.storage.order = append(c.storage.order, c.name)
	}
	c.storage.mu.Unlock()

	stored := *e
	stored.URL = Key(e.URL)
	stored.Header = e.Header.Clone()
	stored.Body = append([]byte(nil), e.Body...)

	seq := c.storage.nextSeq()
	if old, ok := c.items.Get(stored.URL); ok {
		seq = old.(memoryItem).seq
	}
	c.items.Set(stored.URL, memoryItem{seq: seq, entry: stored}, gocache.NoExpiration)
	return nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	items := c.items.Items()
	type keyed struct {
		url string
		seq uint64
	}
	list := make([]keyed, 0, len(items))
	for k, v := range items {
		list = append(list, keyed{url: k, seq: v.Object.(memoryItem).seq})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

	urls := make([]string, len(list))
	for i, k := range list {
		urls[i] = k.url
	}
	return urls, nil
}

func (c *memoryCache) Delete(_ context.Context, rawURL string) (bool, error) {
	key := Key(rawURL)
	if _, ok := c.items.Get(key); !ok {
		return false, nil
	}
	c.items.Delete(key)
	return true, nil
}
