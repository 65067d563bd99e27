package services

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LoggingTransport 记录出站请求的方法、地址、状态和耗时
type LoggingTransport struct {
	Transport http.RoundTripper
	Log       *zap.Logger
}

// RoundTrip 实现 http.RoundTripper
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	start := time.Now()
	resp, err := transport.RoundTrip(req)
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Duration("latency", time.Since(start)),
	}
	if err != nil {
		t.Log.Warn("outbound request failed", append(fields, zap.Error(err))...)
		return nil, err
	}

	t.Log.Debug("outbound request", append(fields, zap.Int("status", resp.StatusCode))...)
	return resp, nil
}

// NewHTTPClient 创建带连接池的 HTTP 客户端，timeout 为 0 时不限时
func NewHTTPClient(timeout time.Duration, log *zap.Logger) *http.Client {
	return &http.Client{
		Transport: &LoggingTransport{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				MaxConnsPerHost:       100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
			Log: log,
		},
		Timeout: timeout,
	}
}
