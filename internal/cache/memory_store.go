package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内缓存存储，进程退出即丢失，适合测试与单实例部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryBucket)}
}

type memoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	entries map[string]*Entry
	deleted bool
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[name]
	if bucket == nil {
		bucket = &memoryBucket{name: name, entries: make(map[string]*Entry)}
		s.buckets[name] = bucket
	}
	return bucket, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	bucket, ok := s.buckets[name]
	delete(s.buckets, name)
	s.mu.Unlock()

	if ok {
		bucket.mu.Lock()
		bucket.deleted = true
		bucket.entries = nil
		bucket.mu.Unlock()
	}
	return ok, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, entry *Entry) error {
	return b.AddAll(ctx, []*Entry{entry})
}

func (b *memoryBucket) AddAll(ctx context.Context, entries []*Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deleted {
		return ErrBucketNotFound
	}
	for _, entry := range entries {
		b.entries[entry.Key] = entry.clone()
	}
	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *memoryBucket) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}
