package worker

import (
	"net/http"
	"strings"
)

// Classifier 判定请求地址是否属于动态请求（走网络优先策略）。
type Classifier func(rawURL string) bool

// MarkerClassifier 返回基于子串匹配的分类器：地址中包含任意一个标记即视为动态。
// 匹配区分大小写，作用于完整地址（含查询串）。
func MarkerClassifier(markers []string) Classifier {
	list := make([]string, 0, len(markers))
	for _, marker := range markers {
		if marker != "" {
			list = append(list, marker)
		}
	}
	return func(rawURL string) bool {
		for _, marker := range list {
			if strings.Contains(rawURL, marker) {
				return true
			}
		}
		return false
	}
}

// Eligible 判断请求是否需要拦截：只处理 http(s) 的 GET 请求，
// 且地址中不能出现 "extension"（浏览器扩展资源）。
func Eligible(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	raw := req.URL.String()
	if !strings.HasPrefix(raw, "http") {
		return false
	}
	if strings.Contains(raw, "extension") {
		return false
	}
	return true
}

// Destination 返回请求的资源类型（Sec-Fetch-Dest），如 "image"、"document"。
func Destination(req *http.Request) string {
	if req == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(req.Header.Get("Sec-Fetch-Dest")))
}
