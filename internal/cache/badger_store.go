package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// badger 键布局：
//
//	bucket:<name>              -> 桶名，标记桶存在
//	entry:<name>\x00<key>      -> Entry JSON
const (
	prefixBucket = "bucket:"
	prefixEntry  = "entry:"
)

// NewBadgerStorage 在 basePath 打开（或创建）badger 数据库，缓存在进程重启后保留。
func NewBadgerStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	db, err := badgerdb.Open(badgerdb.DefaultOptions(basePath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger storage: %w", err)
	}
	return &badgerStorage{db: db}, nil
}

type badgerStorage struct {
	db *badgerdb.DB
}

type badgerBucket struct {
	db   *badgerdb.DB
	name string
}

func bucketMarker(name string) []byte {
	return []byte(prefixBucket + name)
}

func entryPrefix(name string) []byte {
	return []byte(prefixEntry + name + "\x00")
}

func entryKey(name, key string) []byte {
	return append(entryPrefix(name), key...)
}

func (s *badgerStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(bucketMarker(name), []byte(name))
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &badgerBucket{db: s.db, name: name}, nil
}

func (s *badgerStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(bucketMarker(name))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (s *badgerStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixBucket)
		opts.PrefetchValues = false // Only need keys

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), prefixBucket))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *badgerStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	// 先移除标记，已打开的句柄写入时会得到 ErrBucketNotFound。
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(bucketMarker(name))
	})
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	if err := s.db.DropPrefix(entryPrefix(name)); err != nil {
		return true, fmt.Errorf("purge bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *badgerStorage) Close() error {
	return s.db.Close()
}

func (b *badgerBucket) Name() string {
	return b.name
}

func (b *badgerBucket) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry Entry
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(b.name, key))
		if err == badgerdb.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *badgerBucket) Put(ctx context.Context, entry *Entry) error {
	return b.AddAll(ctx, []*Entry{entry})
}

// AddAll 在单个事务中写入全部条目，事务提交失败时不会留下任何记录。
func (b *badgerBucket) AddAll(ctx context.Context, entries []*Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(bucketMarker(b.name)); err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return ErrBucketNotFound
			}
			return err
		}
		for _, entry := range entries {
			payload, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("encode cache entry %s: %w", entry.Key, err)
			}
			if err := txn.Set(entryKey(b.name, entry.Key), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entryPrefix(b.name)
	var keys []string
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *badgerBucket) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete(entryKey(b.name, key))
		if err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return nil
	})
}
