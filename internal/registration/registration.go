// Package registration 承载离线缓存管理器的宿主逻辑：同一源站下最多一个
// active 实例和一个 waiting 实例，负责驱动 install/activate 并切换路由目标。
package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/worker"
)

// Factory 为给定版本构建管理器，clients 用于激活后接管客户端。
type Factory func(version string, clients worker.Clients) (*worker.Manager, error)

// Registration 管理 active/waiting 实例。安装按 installMu 串行执行，且不持有
// mu，安装期间 Waiting、Status、PostMessage 不受影响；读取 active 实例不加锁，
// 安装期间的请求仍由旧实例处理。
type Registration struct {
	factory Factory
	logger  *logrus.Logger

	installMu sync.Mutex

	mu      sync.Mutex
	waiting *worker.Manager
	active  atomic.Pointer[worker.Manager]
}

// New 创建宿主，logger 为空时返回错误。
func New(factory Factory, logger *logrus.Logger) (*Registration, error) {
	if factory == nil {
		return nil, errors.New("worker factory is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Registration{factory: factory, logger: logger}, nil
}

// Claim 实现 worker.Clients：激活完成后由管理器回调，后续请求改由 m 处理。
func (r *Registration) Claim(m *worker.Manager) {
	previous := r.active.Swap(m)
	fields := logrus.Fields{
		"action":        "claim",
		"cache_version": m.Version(),
	}
	if previous != nil && previous != m {
		fields["previous_version"] = previous.Version()
	}
	r.logger.WithFields(fields).Info("clients_claimed")
}

// Active 返回当前负责拦截请求的实例，尚无实例时返回 nil。
func (r *Registration) Active() *worker.Manager {
	return r.active.Load()
}

// Waiting 返回已安装但尚未激活的实例。
func (r *Registration) Waiting() *worker.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Register 安装 m。安装失败时保留原 active 实例并返回错误；安装成功后若
// m 请求跳过等待，或当前没有 active 实例，则立即激活。
func (r *Registration) Register(ctx context.Context, m *worker.Manager) error {
	if m == nil {
		return errors.New("worker is nil")
	}
	r.installMu.Lock()
	defer r.installMu.Unlock()

	if err := m.Install(ctx); err != nil {
		fields := logrus.Fields{
			"action":        "register",
			"cache_version": m.Version(),
			"error":         err.Error(),
		}
		if current := r.active.Load(); current != nil {
			fields["active_version"] = current.Version()
		}
		r.logger.WithFields(fields).Warn("worker_register_failed")
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting = m
	if m.SkipWaitingRequested() || r.active.Load() == nil {
		return r.activateWaitingLocked(ctx)
	}
	r.logger.WithFields(logrus.Fields{
		"action":        "register",
		"cache_version": m.Version(),
	}).Info("worker_waiting")
	return nil
}

// Update 为新版本构建实例并注册，用于在不重启进程的情况下发布新缓存版本。
func (r *Registration) Update(ctx context.Context, version string) (*worker.Manager, error) {
	if err := config.ValidateCacheVersion(version); err != nil {
		return nil, err
	}
	m, err := r.factory(version, r)
	if err != nil {
		return nil, fmt.Errorf("build worker %s: %w", version, err)
	}
	if err := r.Register(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// PostMessage 把消息投递给 waiting 实例（没有时投递给 active 实例）。
// waiting 实例接受 SKIP_WAITING 后立即激活。返回消息是否被识别。
func (r *Registration) PostMessage(ctx context.Context, data []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.waiting
	if target == nil {
		target = r.active.Load()
	}
	if target == nil {
		return false, nil
	}
	accepted := target.Message(data)
	if accepted && target == r.waiting {
		return true, r.activateWaitingLocked(ctx)
	}
	return accepted, nil
}

// activateWaitingLocked 激活 waiting 实例；激活失败时它仍保持 waiting。
func (r *Registration) activateWaitingLocked(ctx context.Context) error {
	m := r.waiting
	if m == nil {
		return nil
	}
	if err := m.Activate(ctx); err != nil {
		r.logger.WithFields(logrus.Fields{
			"action":        "activate",
			"cache_version": m.Version(),
			"error":         err.Error(),
		}).Error("worker_activate_failed")
		return err
	}
	r.waiting = nil
	if r.active.Load() != m {
		r.Claim(m)
	}
	return nil
}

// Status 汇总 active/waiting 实例状态与存储中的全部缓存桶，供诊断接口输出。
type Status struct {
	Active  *worker.Status `json:"active,omitempty"`
	Waiting *worker.Status `json:"waiting,omitempty"`
	Buckets []string       `json:"buckets"`
}

// Status 返回当前快照。
func (r *Registration) Status(ctx context.Context) (Status, error) {
	active := r.Active()
	waiting := r.Waiting()

	var status Status
	var source *worker.Manager
	if active != nil {
		s, err := active.Status(ctx)
		if err != nil {
			return status, err
		}
		status.Active = &s
		source = active
	}
	if waiting != nil {
		s, err := waiting.Status(ctx)
		if err != nil {
			return status, err
		}
		status.Waiting = &s
		source = waiting
	}
	if source != nil {
		buckets, err := source.Buckets(ctx)
		if err != nil {
			return status, err
		}
		status.Buckets = buckets
	}
	if status.Buckets == nil {
		status.Buckets = []string{}
	}
	return status, nil
}
