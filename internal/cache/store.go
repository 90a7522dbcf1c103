package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Storage 管理全部缓存桶，对应 CacheStorage：open/keys/delete。
type Storage interface {
	// Open 返回指定名称的缓存桶，不存在时创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断缓存桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回按名称排序的全部缓存桶。
	Keys(ctx context.Context) ([]string, error)

	// Delete 整体删除缓存桶，返回删除前是否存在。已打开的句柄随之失效，
	// 后续写入返回 ErrBucketNotFound。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源（badger 数据库等）。
	Close() error
}

// Bucket 是单个版本的缓存桶。实现需保证同一 key 的 Put/Match 原子性。
type Bucket interface {
	Name() string

	// Match 返回 key 对应的响应快照，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 写入或覆盖一条记录。
	Put(ctx context.Context, entry *Entry) error

	// AddAll 写入一组记录。memory 与 badger 实现是原子的；fs 实现在提交阶段
	// 失败时可能留下部分记录，由调用方删除新建的桶回滚。
	AddAll(ctx context.Context, entries []*Entry) error

	// Keys 返回桶内全部请求标识，按字典序排列。
	Keys(ctx context.Context) ([]string, error)

	// Remove 删除单条记录，不存在时不报错。
	Remove(ctx context.Context, key string) error
}

const (
	DriverMemory = "memory"
	DriverFS     = "fs"
	DriverBadger = "badger"
)

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrBucketNotFound 表示缓存桶已被删除或从未创建。
	ErrBucketNotFound = errors.New("cache bucket not found")
)

// NewStorage 根据驱动名构建缓存存储，fs/badger 需要 basePath。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryStorage(), nil
	case DriverFS:
		return NewFileStorage(basePath)
	case DriverBadger:
		return NewBadgerStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// ValidateBucketName 拒绝无法安全映射到目录或键前缀的桶名。
// 以 . 开头的名字保留给 fs 存储的临时目录，Keys 不会列出它们。
func ValidateBucketName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("bucket name required")
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid bucket name: %s", name)
	}
	return nil
}
