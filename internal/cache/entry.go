package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Entry 表示一条缓存记录：请求标识 + 响应快照。Body 已完整读入内存，
// 因此同一条记录可以被多次转换为独立可读的 http.Response。
type Entry struct {
	Key      string      `json:"key"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// RequestKey 生成缓存键：METHOD + 空格 + 绝对 URL。
func RequestKey(method, rawURL string) string {
	return strings.ToUpper(method) + " " + rawURL
}

// KeyFor 返回请求对应的缓存键。
func KeyFor(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey(method, req.URL.String())
}

// Snapshot 读取响应正文并生成快照，同时把 resp.Body 替换为可再次读取的副本，
// 调用方拿到的仍是完整响应。
func Snapshot(key string, resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("snapshot %s: nil response", key)
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			resp.Body = io.NopCloser(bytes.NewReader(nil))
			return nil, fmt.Errorf("snapshot %s: %w", key, err)
		}
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	entry := &Entry{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		entry.URL = resp.Request.URL.String()
	}
	return entry, nil
}

// Response 基于快照构建新的 http.Response，每次调用都返回独立的 Body。
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	status := e.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// clone 返回深拷贝，避免内存后端的调用方修改共享切片。
func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Header = e.Header.Clone()
	cp.Body = append([]byte(nil), e.Body...)
	return &cp
}
