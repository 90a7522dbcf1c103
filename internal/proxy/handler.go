package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/origin"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// 诊断响应头。
const (
	HeaderCache   = "X-Offline-Hub-Cache"
	HeaderVersion = "X-Offline-Hub-Version"
)

// X-Offline-Hub-Cache 的取值。
const (
	cacheHit      = "hit"
	cacheMiss     = "miss"
	cacheFallback = "fallback"
	cacheBypass   = "bypass"
)

// Workers 返回当前负责拦截请求的管理器，registration.Registration 满足该接口。
type Workers interface {
	Active() *worker.Manager
}

// Handler 把站点请求交给 active 管理器拦截；未拦截的请求直接回源。
type Handler struct {
	client  *origin.Client
	logger  *logrus.Logger
	workers Workers
}

// NewHandler constructs a proxy handler with shared origin client/logger/workers.
func NewHandler(client *origin.Client, logger *logrus.Logger, workers Workers) *Handler {
	return &Handler{
		client:  client,
		logger:  logger,
		workers: workers,
	}
}

// Handle 实现 server.ProxyHandler。离线且无可用缓存时返回 502 offline_unavailable。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.client.NewRequest(ctx, c.Method(), requestRef(c), fiberHeadersAsHTTP(c), bytesReader(c.Body()))
	if err != nil {
		h.logResult(req, "", nil, requestID, 0, started, err)
		if errors.Is(err, origin.ErrForeignOrigin) {
			return h.writeError(c, fiber.StatusForbidden, "foreign_origin")
		}
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	m := h.workers.Active()
	if m == nil {
		return h.passthrough(c, req, requestID, started)
	}

	resp, err := m.Fetch(ctx, req)
	switch {
	case err == nil:
		defer resp.Body.Close()
		return h.writeResponse(c, resp.Response, cacheLabel(resp.Source), m.Version(), req, resp, requestID, started)
	case errors.Is(err, worker.ErrBypass):
		return h.passthrough(c, req, requestID, started)
	default:
		h.logResult(req, m.Version(), nil, requestID, 0, started, err)
		c.Set(HeaderVersion, m.Version())
		return h.writeError(c, fiber.StatusBadGateway, "offline_unavailable")
	}
}

// passthrough 不经过缓存直接回源，用于未激活或不在拦截范围内的请求。
func (h *Handler) passthrough(c fiber.Ctx, req *http.Request, requestID string, started time.Time) error {
	resp, err := h.client.Fetch(req.Context(), req)
	if err != nil {
		h.logResult(req, "", nil, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()
	return h.writeResponse(c, resp, cacheBypass, "", req, nil, requestID, started)
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	resp *http.Response,
	label string,
	version string,
	req *http.Request,
	intercepted *worker.Response,
	requestID string,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCache, label)
	if version != "" {
		c.Set(HeaderVersion, version)
	}
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(req, version, intercepted, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req, version, intercepted, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *http.Request,
	version string,
	intercepted *worker.Response,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	method, target := "", ""
	if req != nil {
		method = req.Method
		target = req.URL.String()
	}
	strategy, source := "", cacheBypass
	if intercepted != nil {
		strategy = string(intercepted.Strategy)
		source = string(intercepted.Source)
	}
	fields := logging.RequestFields(version, method, target, strategy, source)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func cacheLabel(source worker.Source) string {
	switch source {
	case worker.SourceCache:
		return cacheHit
	case worker.SourceFallback:
		return cacheFallback
	default:
		return cacheMiss
	}
}

// requestRef 只取请求目标中的路径与查询串，绝对形式请求里的 scheme 和 host
// 被丢弃，回源地址始终落在源站上。路径不做清理，保证缓存键与浏览器一致。
func requestRef(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	ref := string(uri.PathOriginal())
	if ref == "" {
		ref = "/"
	}
	if query := uri.QueryString(); len(query) > 0 {
		ref += "?" + string(query)
	}
	return ref
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 字段与 Content-Length，正文长度由 fiber 重新计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if origin.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
