package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听、日志、缓存存储与回源超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// WorkerConfig 对应离线缓存管理器的部署参数。CacheVersion 每次预缓存资源
// 发生变化时都必须递增，旧版本缓存桶会在激活时被整体清除。
type WorkerConfig struct {
	Origin          string   `mapstructure:"Origin"`
	CacheVersion    string   `mapstructure:"CacheVersion"`
	Precache        []string `mapstructure:"Precache"`
	DynamicMarkers  []string `mapstructure:"DynamicMarkers"`
	RootDocument    string   `mapstructure:"RootDocument"`
	ImageFallbacks  []string `mapstructure:"ImageFallbacks"`
	DeferActivation bool     `mapstructure:"DeferActivation"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// DefaultPrecache 是站点外壳资源：入口 HTML、样式、脚本、Logo/图标与 Web App Manifest。
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/css/styles.css",
	"/css/print.css",
	"/js/script.js",
	"/js/responsive-images.js",
	"/js/portfolio-loader.js",
	"/js/footer-interactive.js",
	"/images/printnext-logo.png",
	"/images/printnext-full-logo.png",
	"/images/favicon.ico",
	"/manifest.json",
}

// DefaultDynamicMarkers 命中任一子串的 URL 走网络优先策略。
var DefaultDynamicMarkers = []string{".php", "formspree.io", "api"}

// DefaultImageFallbacks 图片回源失败时按顺序尝试的缓存资源。
var DefaultImageFallbacks = []string{"/images/placeholder.png"}

// ActivationMode 输出 `forced` 或 `deferred`，供日志字段使用。
func (w WorkerConfig) ActivationMode() string {
	if w.DeferActivation {
		return "deferred"
	}
	return "forced"
}
