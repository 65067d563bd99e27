package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// DefaultClientIP 无法获取公网IP时使用的地址
const DefaultClientIP = "127.0.0.1"

// ClientIPResolver 获取用户公网IP
type ClientIPResolver interface {
	Lookup(ctx context.Context) string
}

// IPLookup 通过 ipify 一类的服务查询出口IP
type IPLookup struct {
	lookupURL  string
	httpClient *http.Client
	log        *zap.Logger
}

// NewIPLookup 创建IP查询
func NewIPLookup(lookupURL string, httpClient *http.Client, log *zap.Logger) *IPLookup {
	return &IPLookup{lookupURL: lookupURL, httpClient: httpClient, log: log}
}

// Lookup 查询失败不中断支付流程，回退到 DefaultClientIP
func (l *IPLookup) Lookup(ctx context.Context) string {
	ip, err := l.lookup(ctx)
	if err != nil {
		l.log.Warn("client ip lookup failed, using default", zap.Error(err))
		return DefaultClientIP
	}
	return ip
}

func (l *IPLookup) lookup(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.lookupURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode lookup response: %w", err)
	}
	if net.ParseIP(result.IP) == nil {
		return "", fmt.Errorf("invalid ip %q", result.IP)
	}
	return result.IP, nil
}

// IsPublicIP 回环、内网和无法解析的地址都不是公网地址
func IsPublicIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return !(parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() || parsed.IsLinkLocalUnicast())
}
