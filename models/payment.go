package models

// DeviceTag 设备类型，决定网关返回的支付载体
type DeviceTag string

const (
	DevicePC     DeviceTag = "pc"
	DeviceMobile DeviceTag = "mobile"
	DeviceQQ     DeviceTag = "qq"
	DeviceWechat DeviceTag = "wechat"
	DeviceAlipay DeviceTag = "alipay"
	DeviceJump   DeviceTag = "jump"
)

// Valid 是否为网关认可的设备类型
func (d DeviceTag) Valid() bool {
	switch d {
	case DevicePC, DeviceMobile, DeviceQQ, DeviceWechat, DeviceAlipay, DeviceJump:
		return true
	}
	return false
}

const (
	PayTypeAlipay = "alipay" // 未指定支付方式时的默认值

	SignTypeMD5 = "MD5"

	TradeStatusSuccess = "TRADE_SUCCESS"
)

// PaymentRequest 支付请求参数，经 Params 映射为网关表单字段
type PaymentRequest struct {
	PID        string
	Type       string
	OutTradeNo string
	NotifyURL  string
	ReturnURL  string
	Name       string
	Money      string
	Param      string
	ClientIP   string    // 仅API接口支付
	Device     DeviceTag // 仅API接口支付
}

// Params 转为待签名的平铺参数，空值保留，由签名过程剔除
func (r PaymentRequest) Params() map[string]string {
	params := map[string]string{
		"pid":          r.PID,
		"type":         r.Type,
		"out_trade_no": r.OutTradeNo,
		"notify_url":   r.NotifyURL,
		"return_url":   r.ReturnURL,
		"name":         r.Name,
		"money":        r.Money,
	}
	if r.Param != "" {
		params["param"] = r.Param
	}
	if r.ClientIP != "" {
		params["clientip"] = r.ClientIP
	}
	if r.Device != "" {
		params["device"] = string(r.Device)
	}
	return params
}

// SignedRequest 已签名请求：全部请求字段加 sign 与 sign_type
type SignedRequest map[string]string

// Sign 签名值
func (s SignedRequest) Sign() string { return s["sign"] }

// PaymentResponse 网关 mapi.php 的 JSON 响应
type PaymentResponse struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg,omitempty"`
	TradeNo   string `json:"trade_no,omitempty"`
	PayURL    string `json:"payurl,omitempty"`
	QRCode    string `json:"qrcode,omitempty"`
	URLScheme string `json:"urlscheme,omitempty"`
}

// GatewayReply 网关原始响应。Parsed 与 RawText 二者恰有其一：
// 响应体能解析为 JSON 对象时为 Parsed，否则为 RawText
type GatewayReply struct {
	Status      int
	ContentType string
	Body        []byte

	Parsed  *PaymentResponse
	RawText string
}

// OutcomeAction API支付成功后页面的下一步动作
type OutcomeAction string

const (
	ActionQRCode    OutcomeAction = "qrcode"
	ActionRedirect  OutcomeAction = "redirect"
	ActionURLScheme OutcomeAction = "urlscheme"
)

// PaymentOutcome API支付结果
type PaymentOutcome struct {
	Action     OutcomeAction `json:"action"`
	Target     string        `json:"target"`
	TradeNo    string        `json:"trade_no,omitempty"`
	OutTradeNo string        `json:"out_trade_no"`
	Message    string        `json:"msg,omitempty"`
}

// PageForm 页面跳转支付所需的自动提交表单
type PageForm struct {
	Action string        `json:"action"`
	Method string        `json:"method"`
	Fields SignedRequest `json:"fields"`
}

// NotifyData 网关异步通知
type NotifyData struct {
	PID         string `json:"pid"`
	TradeNo     string `json:"trade_no"`
	OutTradeNo  string `json:"out_trade_no"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Money       string `json:"money"`
	TradeStatus string `json:"trade_status"`
	Param       string `json:"param,omitempty"`
}
