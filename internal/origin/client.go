// Package origin 封装对站点源站的网络访问，即离线缓存管理器的 Network 协作方。
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// ErrForeignOrigin 表示请求目标不属于配置的源站。
var ErrForeignOrigin = errors.New("request target outside origin")

// Client 持有源站基准地址与共享 http.Client，所有回源请求都经过这里。
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient 根据配置构建源站客户端，超时取 Global.UpstreamTimeout。
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	base, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https，源站: %s", cfg.Worker.Origin)
	}
	return &Client{
		base: base,
		http: NewHTTPClient(cfg),
	}, nil
}

// NewHTTPClient 返回共享 http.Client，用于所有源站请求。
func NewHTTPClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// Base 返回源站基准地址的副本。
func (c *Client) Base() *url.URL {
	cp := *c.base
	return &cp
}

// Resolve 把站内路径（可带查询串）解析为源站绝对地址；已是绝对地址时原样返回。
// 只用于配置中的资源列表，客户端请求目标必须经过 NewRequest。
func (c *Client) Resolve(ref string) (*url.URL, error) {
	if strings.TrimSpace(ref) == "" {
		ref = "/"
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid resource %q: %w", ref, err)
	}
	return c.base.ResolveReference(parsed), nil
}

// NewRequest 构造指向源站的请求，header 中的 hop-by-hop 字段会被过滤。
// ref 解析后不在源站上时返回 ErrForeignOrigin。
func (c *Client) NewRequest(ctx context.Context, method, ref string, header http.Header, body io.Reader) (*http.Request, error) {
	target, err := c.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if !c.SameOrigin(target) {
		return nil, fmt.Errorf("%w: %s", ErrForeignOrigin, target.Redacted())
	}
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(req.Header, header)
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	return req, nil
}

// SameOrigin 判断 target 的 scheme 与 host 是否与源站一致。
func (c *Client) SameOrigin(target *url.URL) bool {
	if target == nil {
		return false
	}
	return strings.EqualFold(target.Scheme, c.base.Scheme) && strings.EqualFold(target.Host, c.base.Host)
}

// Fetch 实现 worker.Network：发送请求并返回源站响应，传输层错误原样返回。
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return c.http.Do(req)
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	_, ok := hopByHopHeaders[canonical]
	return ok
}
