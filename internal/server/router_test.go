package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterHandsSiteRequestsToProxy(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://localhost:5000/css/styles.css?v=2", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.proxy.lastPath != "/css/styles.css" {
		t.Fatalf("unexpected proxied path: %s", app.proxy.lastPath)
	}

	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if app.proxy.lastRequestID != reqID {
		t.Fatalf("proxy should see the same request id, got %s vs %s", app.proxy.lastRequestID, reqID)
	}
}

func TestRouterLeavesDiagnosticsToLaterRoutes(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "pong" {
		t.Fatalf("unexpected diagnostics response: %d %s", resp.StatusCode, string(body))
	}
	if app.proxy.calls != 0 {
		t.Fatalf("diagnostics requests must not reach the proxy")
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	proxy := &proxyRecorder{}

	cases := map[string]AppOptions{
		"missing logger": {Proxy: proxy, ListenPort: 5000},
		"missing proxy":  {Logger: logger, ListenPort: 5000},
		"invalid port":   {Logger: logger, Proxy: proxy},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewApp(opts); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

type testApp struct {
	*fiber.App
	proxy *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, proxy: recorder}
}

type proxyRecorder struct {
	calls         int
	lastPath      string
	lastRequestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.lastPath = c.Path()
	p.lastRequestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
