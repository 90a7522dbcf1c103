package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	"memory": {},
	"fs":     {},
	"badger": {},
}

const supportedStorageDriverList = "memory|fs|badger"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch strings.ToLower(strings.TrimSpace(g.LogFormat)) {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json|text")
	}
	driver := strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if _, ok := supportedStorageDrivers[driver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if driver != "memory" && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "fs/badger 驱动不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Worker.validate()
}

func (w WorkerConfig) validate() error {
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("Worker.Origin: %w", err)
	}
	if err := validateCacheVersion(w.CacheVersion); err != nil {
		return fmt.Errorf("Worker.CacheVersion: %w", err)
	}
	if len(w.Precache) == 0 {
		return newFieldError("Worker.Precache", "至少需要一个资源")
	}
	for i, resource := range w.Precache {
		if err := validateResource(resource); err != nil {
			return fmt.Errorf("%s: %w", listField("Precache", i), err)
		}
	}
	for i, marker := range w.DynamicMarkers {
		if strings.TrimSpace(marker) == "" {
			return newFieldError(listField("DynamicMarkers", i), "不能为空字符串")
		}
	}
	if !strings.HasPrefix(w.RootDocument, "/") {
		return newFieldError("Worker.RootDocument", "必须以 / 开头")
	}
	for i, fallback := range w.ImageFallbacks {
		if err := validateResource(fallback); err != nil {
			return fmt.Errorf("%s: %w", listField("ImageFallbacks", i), err)
		}
	}
	return nil
}

// ValidateCacheVersion 供运行时切换版本时复用同一套规则。
func ValidateCacheVersion(version string) error {
	return validateCacheVersion(version)
}

func validateCacheVersion(version string) error {
	if strings.TrimSpace(version) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(version, `/\ `) || version == "." || version == ".." {
		return fmt.Errorf("包含非法字符: %s", version)
	}
	if strings.HasPrefix(version, ".") {
		return fmt.Errorf("不能以 . 开头: %s", version)
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}

// validateResource 允许站内绝对路径或 http(s) 绝对地址。
func validateResource(raw string) error {
	if strings.HasPrefix(raw, "/") {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != "" {
		return nil
	}
	return fmt.Errorf("资源必须以 / 开头或为 http/https 地址: %s", raw)
}
