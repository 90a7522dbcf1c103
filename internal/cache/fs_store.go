package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const entrySuffix = ".json"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，磁盘布局遵循：
//
//	<StoragePath>/<Bucket>/<sha1(key)>.json
//
// 每个条目是一份 JSON 文档（请求标识、状态码、头部、正文）。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() && !strings.HasPrefix(item.Name(), ".") {
			names = append(names, item.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.bucketDir(name)

	// 先重命名再删除，保证 Keys 不会看到删了一半的桶。
	trash := filepath.Join(s.basePath, ".trash-"+uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("purge bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) bucketDir(name string) (string, error) {
	if err := ValidateBucketName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return &entry, nil
}

func (b *fileBucket) Put(ctx context.Context, entry *Entry) error {
	return b.AddAll(ctx, []*Entry{entry})
}

// AddAll 先把全部条目写入临时文件，全部成功后再逐个 rename。写临时文件阶段
// 失败不会留下任何条目；rename 阶段失败时已提交的条目保留，剩余临时文件被
// 清理，调用方需要自行删除新建的桶来回滚。
func (b *fileBucket) AddAll(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if info, err := os.Stat(b.dir); err != nil || !info.IsDir() {
		return ErrBucketNotFound
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, lockKey(b.name, entry.Key))
	}
	unlock := b.storage.lockEntries(keys)
	defer unlock()

	staged := make([]string, 0, len(entries))
	cleanup := func() {
		for _, name := range staged {
			os.Remove(name)
		}
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		tempName, err := b.stage(entry)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, tempName)
	}

	for i, entry := range entries {
		if err := os.Rename(staged[i], b.entryPath(entry.Key)); err != nil {
			staged = staged[i:]
			cleanup()
			if errors.Is(err, fs.ErrNotExist) {
				return ErrBucketNotFound
			}
			return err
		}
	}
	return nil
}

func (b *fileBucket) stage(entry *Entry) (string, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode cache entry %s: %w", entry.Key, err)
	}
	tempFile, err := os.CreateTemp(b.dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrBucketNotFound
		}
		return "", err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBucketNotFound
		}
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			// 与 Delete 并发时文件可能已被移走。
			continue
		}
		var entry struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(data, &entry); err != nil || entry.Key == "" {
			continue
		}
		keys = append(keys, entry.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fileBucket) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := b.storage.lockEntries([]string{lockKey(b.name, key)})
	defer unlock()

	if err := os.Remove(b.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBucket) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

// lockEntries 按排序后的顺序加锁，避免两个 AddAll 交叉加锁导致死锁。
func (s *fileStorage) lockEntries(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	unique := sorted[:0]
	for i, key := range sorted {
		if i > 0 && key == sorted[i-1] {
			continue
		}
		unique = append(unique, key)
	}

	unlocks := make([]func(), 0, len(unique))
	for _, key := range unique {
		unlocks = append(unlocks, s.lockEntry(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func lockKey(bucket, key string) string {
	return bucket + "::" + key
}
