package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Strategy 标识请求走的缓存策略。
type Strategy string

const (
	StrategyNetworkFirst Strategy = "network-first"
	StrategyCacheFirst   Strategy = "cache-first"
)

// Source 标识响应的实际来源。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Response 是拦截结果：原始 http.Response 加上策略与来源，供宿主写诊断头和日志。
type Response struct {
	*http.Response
	Strategy Strategy
	Source   Source
}

// Fetch 拦截一次请求。未激活或不在拦截范围内时返回 ErrBypass，宿主应直接回源。
// 动态请求走网络优先，其余走缓存优先；非 2xx 响应原样返回但不会写入缓存。
func (m *Manager) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	if m.State() != StateActive || !Eligible(req) {
		return nil, ErrBypass
	}
	bucket := m.currentBucket()
	if bucket == nil {
		return nil, ErrBypass
	}

	started := time.Now()
	strategy := StrategyCacheFirst
	if m.classifier(req.URL.String()) {
		strategy = StrategyNetworkFirst
	}

	var (
		resp *Response
		err  error
	)
	if strategy == StrategyNetworkFirst {
		resp, err = m.networkFirst(ctx, bucket, req)
	} else {
		resp, err = m.cacheFirst(ctx, bucket, req)
	}

	if err != nil {
		m.metrics.recordFetchFailure(strategy, started)
		fields := logging.RequestFields(m.version, req.Method, req.URL.String(), string(strategy), "")
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Warn("fetch_failed")
		return nil, err
	}
	m.metrics.recordFetch(strategy, resp.Source, started)
	m.logger.WithFields(logging.RequestFields(m.version, req.Method, req.URL.String(), string(strategy), string(resp.Source))).
		Debug("fetch_served")
	return resp, nil
}

// networkFirst 优先回源；网络失败时依次尝试请求本身的缓存和根文档缓存。
func (m *Manager) networkFirst(ctx context.Context, bucket cache.Bucket, req *http.Request) (*Response, error) {
	resp, netErr := m.fromNetwork(ctx, bucket, req)
	if netErr == nil {
		return &Response{Response: resp, Strategy: StrategyNetworkFirst, Source: SourceNetwork}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if cached, err := m.match(ctx, bucket, cache.KeyFor(req), req); err == nil {
		return &Response{Response: cached, Strategy: StrategyNetworkFirst, Source: SourceCache}, nil
	}
	if cached, err := m.match(ctx, bucket, m.rootKey, req); err == nil {
		return &Response{Response: cached, Strategy: StrategyNetworkFirst, Source: SourceFallback}, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoResponse, netErr)
}

// cacheFirst 命中缓存直接返回，不发起网络请求；未命中再回源。
// 图片请求回源失败时按顺序尝试占位图，其它请求的网络错误原样返回。
func (m *Manager) cacheFirst(ctx context.Context, bucket cache.Bucket, req *http.Request) (*Response, error) {
	if cached, err := m.match(ctx, bucket, cache.KeyFor(req), req); err == nil {
		return &Response{Response: cached, Strategy: StrategyCacheFirst, Source: SourceCache}, nil
	}

	resp, netErr := m.fromNetwork(ctx, bucket, req)
	if netErr == nil {
		return &Response{Response: resp, Strategy: StrategyCacheFirst, Source: SourceNetwork}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if Destination(req) == "image" {
		for _, key := range m.fallbackKeys {
			if cached, err := m.match(ctx, bucket, key, req); err == nil {
				return &Response{Response: cached, Strategy: StrategyCacheFirst, Source: SourceFallback}, nil
			}
		}
	}
	return nil, netErr
}

// fromNetwork 回源并在 2xx 时写入缓存。正文读取失败视为网络失败。
func (m *Manager) fromNetwork(ctx context.Context, bucket cache.Bucket, req *http.Request) (*http.Response, error) {
	resp, err := m.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !isOK(resp.StatusCode) {
		return resp, nil
	}

	key := cache.KeyFor(req)
	entry, err := cache.Snapshot(key, resp)
	if err != nil {
		return nil, err
	}
	entry.URL = req.URL.String()
	m.store(ctx, bucket, entry)
	return resp, nil
}

// store 写入运行时缓存。写入失败只记录日志，不影响响应。
func (m *Manager) store(ctx context.Context, bucket cache.Bucket, entry *cache.Entry) {
	err := bucket.Put(context.WithoutCancel(ctx), entry)
	m.metrics.recordCacheWrite(err == nil)
	if err == nil {
		return
	}
	fields := logging.WorkerFields(m.version, string(m.State()))
	fields["key"] = entry.Key
	fields["error"] = err.Error()
	m.logger.WithFields(fields).Warn("cache_put_failed")
}

func (m *Manager) match(ctx context.Context, bucket cache.Bucket, key string, req *http.Request) (*http.Response, error) {
	entry, err := bucket.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			fields := logging.WorkerFields(m.version, string(m.State()))
			fields["key"] = key
			fields["error"] = err.Error()
			m.logger.WithFields(fields).Warn("cache_match_failed")
		}
		return nil, err
	}
	return entry.Response(req), nil
}
