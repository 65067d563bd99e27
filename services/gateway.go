package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/zhifu/epay-relay/models"
	"github.com/zhifu/epay-relay/utils"
)

const (
	// relayUserAgent 网关会拦截非浏览器 UA
	relayUserAgent = "Mozilla/5.0"
	// fatalErrorMarker 网关出错时会以 200 状态返回 PHP 错误文本
	fatalErrorMarker = "Fatal error"
)

// Forwarder 将已签名参数转发到网关 mapi.php
type Forwarder interface {
	Forward(ctx context.Context, fields map[string]string) (*models.GatewayReply, error)
}

// GatewayClient 直接请求网关API接口，本地中转接口与进程内API支付共用
type GatewayClient struct {
	apiURL     string
	httpClient *http.Client
}

// NewGatewayClient 创建网关客户端
func NewGatewayClient(apiURL string, httpClient *http.Client) *GatewayClient {
	return &GatewayClient{apiURL: apiURL, httpClient: httpClient}
}

// Forward 以 application/x-www-form-urlencoded 提交参数。
// 只有传输失败时返回 error，任何 HTTP 响应都作为 GatewayReply 返回
func (gc *GatewayClient) Forward(ctx context.Context, fields map[string]string) (*models.GatewayReply, error) {
	body := EncodeForm(fields).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gc.apiURL, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", relayUserAgent)

	resp, err := gc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", gc.apiURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	return ParseReply(resp.StatusCode, resp.Header.Get("Content-Type"), data), nil
}

// EncodeForm 转为表单参数。notify_url 和 return_url 先解码一次，保证最终只编码一次
func EncodeForm(fields map[string]string) url.Values {
	form := url.Values{}
	for k, v := range fields {
		if k == "notify_url" || k == "return_url" {
			v = utils.DecodeURLValue(v)
		}
		form.Set(k, v)
	}
	return form
}

// ParseReply 尝试将响应体解析为 JSON 对象，失败则作为原始文本
func ParseReply(status int, contentType string, body []byte) *models.GatewayReply {
	reply := &models.GatewayReply{
		Status:      status,
		ContentType: contentType,
		Body:        body,
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var parsed models.PaymentResponse
		if err := json.Unmarshal(trimmed, &parsed); err == nil {
			reply.Parsed = &parsed
			return reply
		}
	}

	// 网关偶尔返回 JSON 字符串
	var text string
	if len(trimmed) > 0 && trimmed[0] == '"' && json.Unmarshal(trimmed, &text) == nil {
		reply.RawText = text
		return reply
	}
	reply.RawText = string(body)
	return reply
}

// HasFatalError 原始文本中是否带有网关致命错误标记
func HasFatalError(reply *models.GatewayReply) bool {
	return reply.Parsed == nil && strings.Contains(reply.RawText, fatalErrorMarker)
}

// RelayClient 经由独立部署的本地中转接口（POST /api/payment）提交
type RelayClient struct {
	relayURL   string
	httpClient *http.Client
}

// NewRelayClient 创建中转客户端
func NewRelayClient(relayURL string, httpClient *http.Client) *RelayClient {
	return &RelayClient{relayURL: relayURL, httpClient: httpClient}
}

type relayErrorBody struct {
	Error string `json:"error"`
}

// Forward 以 JSON 提交到中转接口。中转接口失败时返回 500 {error}，
// 此处将 error 文本还原为原始文本响应
func (rc *RelayClient) Forward(ctx context.Context, fields map[string]string) (*models.GatewayReply, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal relay payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.relayURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rc.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", rc.relayURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read relay response: %w", err)
	}

	if resp.StatusCode == http.StatusInternalServerError {
		var relayErr relayErrorBody
		if json.Unmarshal(data, &relayErr) == nil && relayErr.Error != "" {
			return &models.GatewayReply{
				Status:      resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        data,
				RawText:     relayErr.Error,
			}, nil
		}
	}
	return ParseReply(resp.StatusCode, resp.Header.Get("Content-Type"), data), nil
}
