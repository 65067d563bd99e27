package services

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zhifu/epay-relay/config"
	"github.com/zhifu/epay-relay/models"
	"github.com/zhifu/epay-relay/utils"
	"go.uber.org/zap"
)

// PaymentInput 用户提交的支付信息，商户订单号总是由服务端生成
type PaymentInput struct {
	Type  string
	Name  string
	Money string
	Param string
}

// PaymentService 支付服务：校验、签名并提交到网关
type PaymentService struct {
	cfg        *config.Config
	forwarder  Forwarder
	ipResolver ClientIPResolver
	log        *zap.Logger
	now        func() time.Time
}

// NewPaymentService 创建支付服务
func NewPaymentService(cfg *config.Config, forwarder Forwarder, ipResolver ClientIPResolver, log *zap.Logger) *PaymentService {
	return &PaymentService{
		cfg:        cfg,
		forwarder:  forwarder,
		ipResolver: ipResolver,
		log:        log,
		now:        time.Now,
	}
}

// Config 当前配置
func (ps *PaymentService) Config() *config.Config {
	return ps.cfg
}

// SubmitPage 页面跳转支付：生成提交到 submit.php 的已签名表单，
// 由浏览器自动提交，网关接管后续页面
func (ps *PaymentService) SubmitPage(in PaymentInput) (*models.PageForm, error) {
	req, err := ps.buildRequest(in)
	if err != nil {
		return nil, err
	}

	signed := ps.sign(req)
	ps.log.Info("page payment prepared",
		zap.String("out_trade_no", req.OutTradeNo),
		zap.String("type", req.Type),
		zap.String("money", req.Money))

	return &models.PageForm{
		Action: ps.cfg.Gateway.SubmitURL(),
		Method: "POST",
		Fields: signed,
	}, nil
}

// SubmitAPI API接口支付：签名后经中转提交到 mapi.php 并解析结果。
// clientIP 为空时查询公网IP，device 为空时默认 pc
func (ps *PaymentService) SubmitAPI(ctx context.Context, in PaymentInput, clientIP string, device models.DeviceTag) (*models.PaymentOutcome, error) {
	req, err := ps.buildRequest(in)
	if err != nil {
		return nil, err
	}

	if device == "" {
		device = models.DevicePC
	}
	if !device.Valid() {
		return nil, validationError("unsupported device %q", device)
	}
	req.Device = device

	if clientIP == "" {
		clientIP = ps.ipResolver.Lookup(ctx)
	}
	req.ClientIP = clientIP

	signed := ps.sign(req)
	ps.log.Info("submitting api payment",
		zap.String("out_trade_no", req.OutTradeNo),
		zap.String("type", req.Type),
		zap.String("money", req.Money),
		zap.String("device", string(device)),
		zap.String("clientip", clientIP))

	reply, err := ps.forwarder.Forward(ctx, signed)
	if err != nil {
		ps.log.Error("api payment transport failed", zap.String("out_trade_no", req.OutTradeNo), zap.Error(err))
		return nil, networkError(err)
	}

	outcome, err := InterpretReply(reply)
	if err != nil {
		ps.log.Warn("api payment failed",
			zap.String("out_trade_no", req.OutTradeNo),
			zap.Int("status", reply.Status),
			zap.Error(err))
		return nil, err
	}
	outcome.OutTradeNo = req.OutTradeNo
	ps.log.Info("api payment accepted",
		zap.String("out_trade_no", req.OutTradeNo),
		zap.String("trade_no", outcome.TradeNo),
		zap.String("action", string(outcome.Action)))
	return outcome, nil
}

// InterpretReply 解析网关响应，按优先级：错误码、二维码、跳转地址、URL Scheme
func InterpretReply(reply *models.GatewayReply) (*models.PaymentOutcome, error) {
	if HasFatalError(reply) {
		return nil, gatewayError(strings.TrimSpace(reply.RawText))
	}
	if reply.Status < 200 || reply.Status > 299 {
		return nil, &PaymentError{Kind: KindNetwork, Message: msgRequestFailed}
	}
	if reply.Parsed == nil {
		return nil, protocolError("unexpected gateway response")
	}

	resp := reply.Parsed
	if resp.Code != 1 {
		return nil, gatewayError(resp.Msg)
	}

	outcome := &models.PaymentOutcome{TradeNo: resp.TradeNo, Message: resp.Msg}
	switch {
	case resp.QRCode != "":
		outcome.Action, outcome.Target = models.ActionQRCode, resp.QRCode
	case resp.PayURL != "":
		outcome.Action, outcome.Target = models.ActionRedirect, resp.PayURL
	case resp.URLScheme != "":
		outcome.Action, outcome.Target = models.ActionURLScheme, resp.URLScheme
	default:
		return nil, protocolError("gateway reported success without qrcode, payurl or urlscheme")
	}
	return outcome, nil
}

func (ps *PaymentService) buildRequest(in PaymentInput) (models.PaymentRequest, error) {
	name := strings.TrimSpace(in.Name)
	if strings.TrimSpace(in.Money) == "" || name == "" {
		return models.PaymentRequest{}, validationError("amount and description are required")
	}
	money, err := NormalizeMoney(in.Money)
	if err != nil {
		return models.PaymentRequest{}, err
	}

	payType := strings.TrimSpace(in.Type)
	if payType == "" {
		payType = models.PayTypeAlipay
	}

	return models.PaymentRequest{
		PID:        ps.cfg.Merchant.PID,
		Type:       payType,
		OutTradeNo: utils.GenerateOrderID(ps.now()),
		NotifyURL:  ps.cfg.Payment.NotifyURL,
		ReturnURL:  ps.cfg.Payment.ReturnURL,
		Name:       name,
		Money:      money,
		Param:      in.Param,
	}, nil
}

func (ps *PaymentService) sign(req models.PaymentRequest) models.SignedRequest {
	params := req.Params()
	ps.log.Debug("sign content", zap.String("content", SignContent(params)))
	return BuildSignedRequest(params, ps.cfg.Merchant.Key)
}

// NormalizeMoney 金额必须为正数，统一保留两位小数
func NormalizeMoney(money string) (string, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(money))
	if err != nil {
		return "", validationError("invalid amount %q", money)
	}
	rounded := amount.Round(2)
	if !rounded.IsPositive() {
		return "", validationError("amount must be greater than 0")
	}
	return rounded.StringFixed(2), nil
}
