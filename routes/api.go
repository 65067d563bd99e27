package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zhifu/epay-relay/models"
	"github.com/zhifu/epay-relay/services"
	"github.com/zhifu/epay-relay/utils"
	"go.uber.org/zap"
)

// notifyDedupTTL 网关会重复推送异步通知，窗口内只广播一次
const notifyDedupTTL = 10 * time.Minute

type APIRoutes struct {
	paymentService *services.PaymentService
	gateway        services.Forwarder
	hub            *Hub
	notified       *utils.CacheManager
	timeout        time.Duration
	log            *zap.Logger
}

// NewAPIRoutes gateway 为本地中转接口使用的网关客户端
func NewAPIRoutes(paymentService *services.PaymentService, gateway services.Forwarder, hub *Hub, log *zap.Logger) *APIRoutes {
	return &APIRoutes{
		paymentService: paymentService,
		gateway:        gateway,
		hub:            hub,
		notified:       utils.NewCacheManager(),
		timeout:        paymentService.Config().Gateway.Timeout,
		log:            log,
	}
}

// NotifyCache 异步通知去重缓存
func (ar *APIRoutes) NotifyCache() *utils.CacheManager {
	return ar.notified
}

// SetupRoutes 设置路由
func (ar *APIRoutes) SetupRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(Templates())

	api := router.Group("/api")
	{
		api.POST("/payment", ar.RelayPayment)  // 本地中转：转发到网关 mapi.php
		api.POST("/pay/page", ar.PagePayment) // 页面跳转支付
		api.POST("/pay/api", ar.APIPayment)   // API接口支付
		api.Any("/notify", ar.HandleNotify)   // 网关异步通知
		api.GET("/return", ar.HandleReturn)   // 网关同步跳转
	}

	router.GET("/qrcode", ar.GenerateQRCode)
	router.GET("/ws", ar.hub.ServeWS)
}

// paymentForm 订单号只由服务端生成，请求中的 out_trade_no 不参与绑定
type paymentForm struct {
	Type  string `json:"type" form:"type"`
	Name  string `json:"name" form:"name"`
	Money amount `json:"money" form:"money"`
	Param string `json:"param" form:"param"`
}

func (f paymentForm) input() services.PaymentInput {
	return services.PaymentInput{
		Type:  f.Type,
		Name:  f.Name,
		Money: string(f.Money),
		Param: f.Param,
	}
}

// amount JSON 中金额可以是字符串或数字
type amount string

func (a *amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*a = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = amount(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("money must be a string or number")
	}
	*a = amount(n.String())
	return nil
}

type apiPaymentForm struct {
	paymentForm
	Device   string `json:"device" form:"device"` // 为 auto 时按 User-Agent 判断
	ClientIP string `json:"clientip" form:"clientip"`
}

type apiPaymentResponse struct {
	models.PaymentOutcome
	QRCodeImage string `json:"qrcode_image,omitempty"`
}

// RelayPayment 本地中转接口：将字段重新编码为表单后原样转发到网关，
// 网关响应体原样返回，失败时返回 500 {error}
func (ar *APIRoutes) RelayPayment(c *gin.Context) {
	fields, err := readFields(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := ar.withTimeout(c)
	defer cancel()

	reply, err := ar.gateway.Forward(ctx, fields)
	if err != nil {
		ar.log.Error("relay payment failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if services.HasFatalError(reply) {
		ar.log.Error("gateway returned fatal error", zap.String("body", reply.RawText))
		c.JSON(http.StatusInternalServerError, gin.H{"error": reply.RawText})
		return
	}
	if reply.Status < 200 || reply.Status > 299 {
		ar.log.Error("gateway returned error status", zap.Int("status", reply.Status))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("request failed with status code %d", reply.Status)})
		return
	}

	contentType := reply.ContentType
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(reply.Status, contentType, reply.Body)
}

// PagePayment 页面跳转支付，返回自动提交的表单页面；format=json 时返回表单字段
func (ar *APIRoutes) PagePayment(c *gin.Context) {
	var req paymentForm
	if err := c.ShouldBind(&req); err != nil {
		ar.respondError(c, services.NewValidationError("invalid request: %v", err))
		return
	}

	form, err := ar.paymentService.SubmitPage(req.input())
	if err != nil {
		ar.respondError(c, err)
		return
	}

	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, form)
		return
	}
	c.HTML(http.StatusOK, "pay_form.html", form)
}

// APIPayment API接口支付
func (ar *APIRoutes) APIPayment(c *gin.Context) {
	var req apiPaymentForm
	if err := c.ShouldBind(&req); err != nil {
		ar.respondError(c, services.NewValidationError("invalid request: %v", err))
		return
	}

	device := models.DeviceTag(strings.ToLower(strings.TrimSpace(req.Device)))
	if device == "auto" {
		device = services.DetectDevice(c.Request.UserAgent())
	}

	// 请求来自本机或内网时由服务查询公网IP
	clientIP := strings.TrimSpace(req.ClientIP)
	if clientIP == "" && services.IsPublicIP(c.ClientIP()) {
		clientIP = c.ClientIP()
	}

	ctx, cancel := ar.withTimeout(c)
	defer cancel()

	outcome, err := ar.paymentService.SubmitAPI(ctx, req.input(), clientIP, device)
	if err != nil {
		ar.respondError(c, err)
		return
	}

	resp := apiPaymentResponse{PaymentOutcome: *outcome}
	if outcome.Action == models.ActionQRCode {
		resp.QRCodeImage = "/qrcode?text=" + url.QueryEscape(outcome.Target)
	}
	c.JSON(http.StatusOK, resp)
}

// GenerateQRCode 将二维码内容渲染为 PNG
func (ar *APIRoutes) GenerateQRCode(c *gin.Context) {
	text := c.Query("text")
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	png, err := utils.GenerateQRCode(text)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// HandleNotify 网关异步通知，处理成功必须返回纯文本 success
func (ar *APIRoutes) HandleNotify(c *gin.Context) {
	params := collectParams(c)

	data, err := ar.paymentService.VerifyNotify(params)
	switch {
	case errors.Is(err, services.ErrNotifyUnpaid):
		ar.log.Info("notify for unpaid trade",
			zap.String("out_trade_no", data.OutTradeNo),
			zap.String("trade_status", data.TradeStatus))
		c.String(http.StatusOK, "success")
		return
	case err != nil:
		ar.log.Warn("notify rejected", zap.String("out_trade_no", params["out_trade_no"]), zap.Error(err))
		c.String(http.StatusBadRequest, "fail")
		return
	}

	if ar.notified.SetIfAbsent(data.OutTradeNo, notifyDedupTTL) {
		ar.log.Info("payment succeeded",
			zap.String("out_trade_no", data.OutTradeNo),
			zap.String("trade_no", data.TradeNo),
			zap.String("money", data.Money))
		ar.hub.Broadcast(PaymentMessage{
			Type:       "payment_success",
			OutTradeNo: data.OutTradeNo,
			TradeNo:    data.TradeNo,
			Money:      data.Money,
			Timestamp:  time.Now().Unix(),
		})
	}
	c.String(http.StatusOK, "success")
}

type payResult struct {
	Paid       bool
	OutTradeNo string
	Money      string
	Message    string
}

// HandleReturn 支付完成后的同步跳转页面
func (ar *APIRoutes) HandleReturn(c *gin.Context) {
	data, err := ar.paymentService.VerifyNotify(collectParams(c))
	switch {
	case err == nil:
		c.HTML(http.StatusOK, "pay_result.html", payResult{Paid: true, OutTradeNo: data.OutTradeNo, Money: data.Money})
	case errors.Is(err, services.ErrNotifyUnpaid):
		c.HTML(http.StatusOK, "pay_result.html", payResult{OutTradeNo: data.OutTradeNo, Message: "订单尚未支付"})
	default:
		c.HTML(http.StatusBadRequest, "pay_result.html", payResult{Message: "签名校验失败"})
	}
}

func (ar *APIRoutes) withTimeout(c *gin.Context) (context.Context, context.CancelFunc) {
	if ar.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), ar.timeout)
}

func (ar *APIRoutes) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var pe *services.PaymentError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case services.KindValidation:
			status = http.StatusBadRequest
		case services.KindGateway:
			status = http.StatusPaymentRequired
		case services.KindNetwork, services.KindProtocol:
			status = http.StatusBadGateway
		}
	}
	kind := ""
	if pe != nil {
		kind = string(pe.Kind)
	}
	c.JSON(status, gin.H{"error": services.ErrorMessage(err), "kind": kind})
}

// readFields 读取 JSON 或表单请求体，值统一转为字符串
func readFields(c *gin.Context) (map[string]string, error) {
	fields := make(map[string]string)

	if c.ContentType() != gin.MIMEJSON {
		if err := c.Request.ParseForm(); err != nil {
			return nil, err
		}
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				fields[k] = v[0]
			}
		}
		return fields, nil
	}

	body, err := c.GetRawData()
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return fields, nil
	}

	raw := make(map[string]interface{})
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid json body: %w", err)
	}
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			fields[k] = ""
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		default:
			fields[k] = fmt.Sprint(val)
		}
	}
	return fields, nil
}

// collectParams 合并 query 与表单参数
func collectParams(c *gin.Context) map[string]string {
	params := make(map[string]string)
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if c.Request.Method == http.MethodPost {
		_ = c.Request.ParseForm()
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
	}
	return params
}

// Hub WebSocket 连接管理器
func (ar *APIRoutes) Hub() *Hub {
	return ar.hub
}
