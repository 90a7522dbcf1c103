package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应被解析为 15s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Worker.CacheVersion != "printnext-cache-v1" {
		t.Fatalf("CacheVersion 解析错误: %s", cfg.Worker.CacheVersion)
	}
	if len(cfg.Worker.Precache) != 3 {
		t.Fatalf("Precache 应保留配置中的 3 项，得到 %v", cfg.Worker.Precache)
	}
	if len(cfg.Worker.DynamicMarkers) != len(DefaultDynamicMarkers) {
		t.Fatalf("DynamicMarkers 未配置时应填充默认值，得到 %v", cfg.Worker.DynamicMarkers)
	}
	if cfg.Worker.RootDocument != "/" {
		t.Fatalf("RootDocument 默认应为 /，得到 %s", cfg.Worker.RootDocument)
	}
	if cfg.Worker.ActivationMode() != "forced" {
		t.Fatalf("默认应强制激活")
	}
}

func TestValidateRejectsMissingWorkerFields(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStorageDriverValidation(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		path      string
		shouldErr bool
	}{
		{"memory ok", "memory", "", false},
		{"fs ok", "fs", "./data", false},
		{"badger ok", "badger", "./data", false},
		{"fs without path", "fs", "", true},
		{"unsupported driver", "redis", "./data", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageDriver = tc.driver
			cfg.Global.StoragePath = tc.path
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestCacheVersionValidation(t *testing.T) {
	for _, version := range []string{"", "v1/evil", "..", "has space", ".v1"} {
		cfg := validConfig()
		cfg.Worker.CacheVersion = version
		if err := cfg.Validate(); err == nil {
			t.Fatalf("CacheVersion %q 应当报错", version)
		}
	}
}

func TestValidatePrecacheResources(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Precache = []string{"/", "css/styles.css"}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("相对路径资源应当报错")
	}

	cfg.Worker.Precache = []string{"/", "https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("绝对地址资源应当允许: %v", err)
	}
}

func TestValidateRejectsEmptyMarker(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.DynamicMarkers = []string{"api", " "}
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("期望 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Worker.DynamicMarkers[1]" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StorageDriver:   "memory",
			UpstreamTimeout: Duration(time.Second),
		},
		Worker: WorkerConfig{
			Origin:         "https://printnext.example",
			CacheVersion:   "v1",
			Precache:       []string{"/", "/index.html"},
			DynamicMarkers: DefaultDynamicMarkers,
			RootDocument:   "/",
			ImageFallbacks: DefaultImageFallbacks,
		},
	}
}
