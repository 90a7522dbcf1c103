package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/origin"
	"github.com/any-hub/offline-hub/internal/registration"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

func newDiagnosticsApp(t *testing.T, deferActivation bool) (*fiber.App, *registration.Registration) {
	t.Helper()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok:"+r.URL.Path)
	}))
	t.Cleanup(site.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      6200,
			UpstreamTimeout: config.Duration(5 * time.Second),
		},
		Worker: config.WorkerConfig{
			Origin:          site.URL,
			CacheVersion:    "v1",
			Precache:        []string{"/", "/index.html"},
			DynamicMarkers:  config.DefaultDynamicMarkers,
			RootDocument:    "/",
			ImageFallbacks:  config.DefaultImageFallbacks,
			DeferActivation: deferActivation,
		},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	promReg := prometheus.NewRegistry()
	metrics := worker.NewMetrics(promReg)

	client, err := origin.NewClient(cfg)
	if err != nil {
		t.Fatalf("origin client: %v", err)
	}
	factory, err := registration.NewFactory(cfg, cache.NewMemoryStorage(), client, logger, metrics)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	reg, err := registration.New(factory, logger)
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	if _, err := reg.Update(t.Context(), "v1"); err != nil {
		t.Fatalf("register v1: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx) error {
			return c.SendStatus(fiber.StatusNoContent)
		}),
		ListenPort: 6200,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	RegisterDiagnosticsRoutes(app, reg, promReg)
	return app, reg
}

func doJSON(t *testing.T, app *fiber.App, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func TestStatusEndpoint(t *testing.T) {
	app, _ := newDiagnosticsApp(t, false)

	resp, body := doJSON(t, app, http.MethodGet, "/-/status", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload registration.Status
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload.Active == nil || payload.Active.Version != "v1" || payload.Active.State != worker.StateActive {
		t.Fatalf("unexpected active status: %+v", payload.Active)
	}
	if payload.Active.Entries != 2 {
		t.Fatalf("expected 2 precached entries, got %d", payload.Active.Entries)
	}
	if len(payload.Buckets) != 1 || payload.Buckets[0] != "v1" {
		t.Fatalf("unexpected buckets: %v", payload.Buckets)
	}
}

func TestUpdateEndpointPublishesNewVersion(t *testing.T) {
	app, reg := newDiagnosticsApp(t, false)

	resp, body := doJSON(t, app, http.MethodPost, "/-/update", `{"version":"v2"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, string(body))
	}
	var status worker.Status
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode update response: %v", err)
	}
	if status.Version != "v2" || status.State != worker.StateActive {
		t.Fatalf("unexpected update response: %+v", status)
	}
	if reg.Active().Version() != "v2" {
		t.Fatalf("v2 should be active")
	}

	resp, _ = doJSON(t, app, http.MethodPost, "/-/update", `{"version":"../v3"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid version, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, app, http.MethodPost, "/-/update", `not json`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid payload, got %d", resp.StatusCode)
	}
}

func TestMessageEndpointActivatesWaitingWorker(t *testing.T) {
	app, reg := newDiagnosticsApp(t, true)

	resp, body := doJSON(t, app, http.MethodPost, "/-/update", `{"version":"v2"}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("update failed: %d %s", resp.StatusCode, string(body))
	}
	if reg.Active().Version() != "v1" || reg.Waiting() == nil {
		t.Fatalf("v2 should be waiting behind v1")
	}

	resp, body = doJSON(t, app, http.MethodPost, "/-/message", `{"type":"SKIP_WAITING"}`)
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(body), `"accepted":true`) {
		t.Fatalf("unexpected message response: %d %s", resp.StatusCode, string(body))
	}
	if reg.Active().Version() != "v2" || reg.Waiting() != nil {
		t.Fatalf("v2 should be active after SKIP_WAITING")
	}

	resp, _ = doJSON(t, app, http.MethodPost, "/-/message", `{"type`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for malformed message, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app, _ := newDiagnosticsApp(t, false)

	resp, body := doJSON(t, app, http.MethodGet, "/-/metrics", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "offline_hub_installs_total") {
		t.Fatalf("metrics output missing install counter: %s", string(body))
	}
}

func TestSiteTrafficStillReachesProxy(t *testing.T) {
	app, _ := newDiagnosticsApp(t, false)
	resp, _ := doJSON(t, app, http.MethodGet, "/index.html", "")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected proxy handler response, got %d", resp.StatusCode)
	}
}
