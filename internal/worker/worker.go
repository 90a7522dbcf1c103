package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// State 描述离线缓存管理器的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
)

// MessageSkipWaiting 是唯一被识别的外部控制消息类型。
const MessageSkipWaiting = "SKIP_WAITING"

// precacheConcurrency 限制安装阶段并发回源的数量。
const precacheConcurrency = 6

var (
	// ErrBypass 表示请求不在拦截范围内，宿主应直接走默认网络行为。
	ErrBypass = errors.New("request not intercepted")
	// ErrNoResponse 表示网络失败且缓存中没有可用的回退响应。
	ErrNoResponse = errors.New("no response available")
	// ErrInstallFailed 表示预缓存失败，本次安装作废。
	ErrInstallFailed = errors.New("install failed")
	// ErrNotInstalled 表示尚未成功安装就尝试激活。
	ErrNotInstalled = errors.New("worker not installed")
)

// Network 是回源协作方，返回响应或传输层错误。非 2xx 状态不是错误。
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes NetworkFunc satisfy Network.
func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Clients 由宿主实现。Claim 在激活完成后调用，让所有已打开的客户端
// 立即改由 m 处理后续请求，无需等待刷新。
type Clients interface {
	Claim(m *Manager)
}

// Options 汇总构建 Manager 所需的显式依赖。
type Options struct {
	// Version 是缓存桶名称，预缓存资源变化时必须递增。
	Version string
	Storage cache.Storage
	Network Network
	// Resolve 把资源路径映射为绝对地址；为空时要求资源本身是绝对地址。
	Resolve func(ref string) (*url.URL, error)
	// Precache 是安装阶段必须全部写入缓存的资源列表。
	Precache []string
	// Classifier 判定请求是否为动态请求；为空时全部按静态资源处理。
	Classifier Classifier
	// RootDocument 是网络优先策略的最后兜底页面，默认 "/"。
	RootDocument string
	// ImageFallbacks 是图片回源失败时按顺序尝试的缓存资源。
	ImageFallbacks []string
	// DeferActivation 为 true 时安装成功后不主动请求跳过等待。
	DeferActivation bool
	Clients         Clients
	Logger          *logrus.Logger
	Metrics         *Metrics
}

// Manager 是一个版本的离线缓存管理器实例。
type Manager struct {
	version         string
	storage         cache.Storage
	network         Network
	resolve         func(ref string) (*url.URL, error)
	precache        []string
	classifier      Classifier
	rootKey         string
	fallbackKeys    []string
	deferActivation bool
	clients         Clients
	logger          *logrus.Logger
	metrics         *Metrics

	mu     sync.RWMutex
	state  State
	bucket cache.Bucket

	skipWaiting atomic.Bool
}

// New 校验依赖并构建 Manager，初始状态为 installing。
func New(opts Options) (*Manager, error) {
	if err := cache.ValidateBucketName(opts.Version); err != nil {
		return nil, fmt.Errorf("invalid cache version: %w", err)
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}

	m := &Manager{
		version:         opts.Version,
		storage:         opts.Storage,
		network:         opts.Network,
		resolve:         opts.Resolve,
		precache:        append([]string(nil), opts.Precache...),
		classifier:      opts.Classifier,
		deferActivation: opts.DeferActivation,
		clients:         opts.Clients,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		state:           StateInstalling,
	}
	if m.resolve == nil {
		m.resolve = resolveAbsolute
	}
	if m.classifier == nil {
		m.classifier = func(string) bool { return false }
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}

	root := opts.RootDocument
	if strings.TrimSpace(root) == "" {
		root = "/"
	}
	rootKey, err := m.resourceKey(root)
	if err != nil {
		return nil, fmt.Errorf("invalid root document: %w", err)
	}
	m.rootKey = rootKey

	for _, fallback := range opts.ImageFallbacks {
		key, err := m.resourceKey(fallback)
		if err != nil {
			return nil, fmt.Errorf("invalid image fallback: %w", err)
		}
		m.fallbackKeys = append(m.fallbackKeys, key)
	}
	return m, nil
}

// Version 返回当前实例的缓存版本键。
func (m *Manager) Version() string {
	return m.version
}

// State 返回当前生命周期阶段。
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) currentBucket() cache.Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bucket
}

// SkipWaiting 请求宿主跳过等待期立即激活本实例。
func (m *Manager) SkipWaiting() {
	m.skipWaiting.Store(true)
}

// SkipWaitingRequested 返回是否已请求跳过等待。
func (m *Manager) SkipWaitingRequested() bool {
	return m.skipWaiting.Load()
}

// Install 拉取全部预缓存资源并写入当前版本的缓存桶。任何一个资源失败都会让
// 本次安装整体失败，不会留下部分写入的缓存；失败不会在内部重试。
func (m *Manager) Install(ctx context.Context) error {
	started := time.Now()
	m.setState(StateInstalling)

	fields := logging.WorkerFields(m.version, string(StateInstalling))
	fields["action"] = "install"
	fields["precache"] = len(m.precache)

	entries, err := m.fetchPrecache(ctx)
	if err == nil {
		err = m.commitPrecache(ctx, entries)
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		m.metrics.recordInstall(false)
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Error("worker_install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.setState(StateWaiting)
	if !m.deferActivation {
		m.SkipWaiting()
	}
	m.metrics.recordInstall(true)
	fields["worker_state"] = string(StateWaiting)
	fields["skip_waiting"] = m.SkipWaitingRequested()
	m.logger.WithFields(fields).Info("worker_installed")
	return nil
}

// fetchPrecache 并发回源全部资源，第一个失败会取消其余请求；结果顺序与清单一致。
func (m *Manager) fetchPrecache(ctx context.Context) ([]*cache.Entry, error) {
	entries := make([]*cache.Entry, len(m.precache))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)

	for i, resource := range m.precache {
		g.Go(func() error {
			entry, err := m.fetchResource(gctx, resource)
			if err != nil {
				return fmt.Errorf("precache %s: %w", resource, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Manager) fetchResource(ctx context.Context, resource string) (*cache.Entry, error) {
	target, err := m.resolve(resource)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !isOK(resp.StatusCode) {
		drain(resp)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	entry, err := cache.Snapshot(cache.KeyFor(req), resp)
	if err != nil {
		return nil, err
	}
	entry.URL = target.String()
	return entry, nil
}

// commitPrecache 一次性写入缓存桶；写入失败且桶是本次新建的则一并删除。
func (m *Manager) commitPrecache(ctx context.Context, entries []*cache.Entry) error {
	existed, err := m.storage.Has(ctx, m.version)
	if err != nil {
		return err
	}
	bucket, err := m.storage.Open(ctx, m.version)
	if err != nil {
		return err
	}
	if err := bucket.AddAll(ctx, entries); err != nil {
		if !existed {
			_, _ = m.storage.Delete(context.WithoutCancel(ctx), m.version)
		}
		return err
	}

	m.mu.Lock()
	m.bucket = bucket
	m.mu.Unlock()
	return nil
}

// Activate 删除所有非当前版本的缓存桶，然后接管全部客户端。对同一版本重复
// 激活是幂等的：不会删除任何东西，也不会报错。
func (m *Manager) Activate(ctx context.Context) error {
	if m.State() == StateInstalling {
		return ErrNotInstalled
	}

	fields := logging.WorkerFields(m.version, string(StateActive))
	fields["action"] = "activate"

	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if name == m.version {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			fields["error"] = err.Error()
			m.logger.WithFields(fields).Error("worker_activate_failed")
			return fmt.Errorf("delete bucket %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}

	m.setState(StateActive)
	m.metrics.recordActivation(len(deleted))
	if m.clients != nil {
		m.clients.Claim(m)
	}

	fields["deleted_buckets"] = deleted
	m.logger.WithFields(fields).Info("worker_activated")
	return nil
}

// Message 处理页面发来的控制消息，目前只识别 {"type":"SKIP_WAITING"}；
// 其它消息被忽略并返回 false。
func (m *Manager) Message(data []byte) bool {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	if msg.Type != MessageSkipWaiting {
		return false
	}
	m.SkipWaiting()
	m.logger.WithFields(logging.WorkerFields(m.version, string(m.State()))).
		WithField("action", "message").
		Info("worker_skip_waiting")
	return true
}

// Status 是诊断接口使用的实例快照。
type Status struct {
	Version     string `json:"version"`
	State       State  `json:"state"`
	Entries     int    `json:"entries"`
	SkipWaiting bool   `json:"skip_waiting"`
}

// Status 返回实例快照；缓存桶已被删除时 Entries 为 0。
func (m *Manager) Status(ctx context.Context) (Status, error) {
	status := Status{
		Version:     m.version,
		State:       m.State(),
		SkipWaiting: m.SkipWaitingRequested(),
	}
	bucket := m.currentBucket()
	if bucket == nil {
		return status, nil
	}
	keys, err := bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, cache.ErrBucketNotFound) {
			return status, nil
		}
		return status, err
	}
	status.Entries = len(keys)
	return status, nil
}

// Buckets 列出缓存存储中的全部桶名。
func (m *Manager) Buckets(ctx context.Context) ([]string, error) {
	return m.storage.Keys(ctx)
}

func (m *Manager) resourceKey(ref string) (string, error) {
	target, err := m.resolve(ref)
	if err != nil {
		return "", err
	}
	return cache.RequestKey(http.MethodGet, target.String()), nil
}

// ResolveAgainst 返回以 base 为基准的资源解析函数。
func ResolveAgainst(base *url.URL) func(ref string) (*url.URL, error) {
	return func(ref string) (*url.URL, error) {
		parsed, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("invalid resource %q: %w", ref, err)
		}
		return base.ResolveReference(parsed), nil
	}
}

func resolveAbsolute(ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid resource %q: %w", ref, err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("resource %q is not absolute", ref)
	}
	return parsed, nil
}

func isOK(status int) bool {
	return status >= 200 && status <= 299
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
