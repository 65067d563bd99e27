package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhifu/epay-relay/config"
	"github.com/zhifu/epay-relay/services"
	"go.uber.org/zap"
)

type staticResolver string

func (s staticResolver) Lookup(context.Context) string { return string(s) }

type fakeGateway struct {
	mu          sync.Mutex
	server      *httptest.Server
	status      int
	contentType string
	body        string
	lastForm    url.Values
	lastRaw     string
	lastUA      string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{status: http.StatusOK, contentType: "application/json", body: `{"code":1,"qrcode":"weixin://pay/abc"}`}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		g.mu.Lock()
		defer g.mu.Unlock()
		g.lastRaw = string(raw)
		g.lastForm, _ = url.ParseQuery(g.lastRaw)
		g.lastUA = r.UserAgent()
		w.Header().Set("Content-Type", g.contentType)
		w.WriteHeader(g.status)
		_, _ = io.WriteString(w, g.body)
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) received() (raw string, form url.Values, ua string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRaw, g.lastForm, g.lastUA
}

func testConfig(gatewayURL string) *config.Config {
	return &config.Config{
		Merchant: config.MerchantConfig{PID: "1001", Key: "testkey"},
		Gateway:  config.GatewayConfig{URL: gatewayURL, Timeout: 5 * time.Second},
		Payment: config.PaymentConfig{
			NotifyURL: "https://shop.example.com/api/notify",
			ReturnURL: "https://shop.example.com/api/return",
		},
	}
}

func setupRouter(t *testing.T, gatewayURL string) (*gin.Engine, *Hub) {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	cfg := testConfig(gatewayURL)

	gatewayClient := services.NewGatewayClient(cfg.Gateway.APIURL(), services.NewHTTPClient(cfg.Gateway.Timeout, log))
	paymentService := services.NewPaymentService(cfg, gatewayClient, staticResolver("8.8.8.8"), log)

	hub := NewHub(nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := gin.New()
	NewAPIRoutes(paymentService, gatewayClient, hub, log).SetupRoutes(router)
	return router, hub
}

func doRequest(router http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRelayPaymentPassThrough(t *testing.T) {
	gw := newFakeGateway(t)
	gw.body = `{"code":1,"trade_no":"T1","payurl":"https://pay.example.com/p/1"}`
	router, _ := setupRouter(t, gw.server.URL)

	w := doRequest(router, http.MethodPost, "/api/payment", "application/json",
		`{"pid":1001,"money":"10.00","notify_url":"https%3A%2F%2Fx.com%2Fn","name":"Order"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, gw.body, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	gotRaw, gotForm, gotUA := gw.received()
	assert.Equal(t, "Mozilla/5.0", gotUA)
	assert.Equal(t, "1001", gotForm.Get("pid"))
	assert.Equal(t, "https://x.com/n", gotForm.Get("notify_url"))
	assert.Contains(t, gotRaw, "notify_url=https%3A%2F%2Fx.com%2Fn")
	assert.NotContains(t, gotRaw, "%25")
}

func TestRelayPaymentFormBody(t *testing.T) {
	gw := newFakeGateway(t)
	router, _ := setupRouter(t, gw.server.URL)

	w := doRequest(router, http.MethodPost, "/api/payment", "application/x-www-form-urlencoded",
		"pid=1001&return_url=https%253A%252F%252Fx.com%252Fr")

	assert.Equal(t, http.StatusOK, w.Code)
	_, gotForm, _ := gw.received()
	assert.Equal(t, "https://x.com/r", gotForm.Get("return_url"))
}

func TestRelayPaymentFatalError(t *testing.T) {
	gw := newFakeGateway(t)
	gw.contentType = "text/html"
	gw.body = "<br /><b>Fatal error</b>: Uncaught Error in mapi.php"
	router, _ := setupRouter(t, gw.server.URL)

	w := doRequest(router, http.MethodPost, "/api/payment", "application/json", `{"pid":"1001"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, gw.body, resp["error"])
}

func TestRelayPaymentTransportError(t *testing.T) {
	gw := newFakeGateway(t)
	addr := gw.server.URL
	gw.server.Close()
	router, _ := setupRouter(t, addr)

	w := doRequest(router, http.MethodPost, "/api/payment", "application/json", `{"pid":"1001"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["error"])
}

func TestRelayPaymentErrorStatus(t *testing.T) {
	gw := newFakeGateway(t)
	gw.status = http.StatusBadGateway
	router, _ := setupRouter(t, gw.server.URL)

	w := doRequest(router, http.MethodPost, "/api/payment", "application/json", `{"pid":"1001"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "502")
}

func TestPagePaymentRendersForm(t *testing.T) {
	gw := newFakeGateway(t)
	router, _ := setupRouter(t, gw.server.URL)

	w := doRequest(router, http.MethodPost, "/api/pay/page", "application/x-www-form-urlencoded",
		"name=Order&money=10&type=alipay&out_trade_no=123")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `action="`+gw.server.URL+`/submit.php"`)
	assert.Contains(t, body, `name="money" value="10.00"`)
	assert.Contains(t, body, `name="out_trade_no" value="`)
	assert.NotContains(t, body, `name="out_trade_no" value="123"`, "client supplied order id must be ignored")
	assert.Contains(t, body, `name="sign_type" value="MD5"`)
	assert.Contains(t, body, `name="sign"`)
	gotRaw, _, _ := gw.received()
	assert.Empty(t, gotRaw, "page flow must not call the gateway")
}

func TestPagePaymentJSON(t *testing.T) {
	gw := newFakeGateway(t)
	router, _ := setupRouter(t, gw.server.URL)

	w := doRequest(router, http.MethodPost, "/api/pay/page?format=json", "application/json",
		`{"name":"Order","money":"10.00","type":"alipay","out_trade_no":"123"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var form struct {
		Action string            `json:"action"`
		Method string            `json:"method"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &form))
	assert.Equal(t, "POST", form.Method)
	outTradeNo := form.Fields["out_trade_no"]
	assert.NotEmpty(t, outTradeNo)
	assert.NotEqual(t, "123", outTradeNo)

	params := map[string]string{
		"pid":          "1001",
		"type":         "alipay",
		"out_trade_no": outTradeNo,
		"notify_url":   "https://shop.example.com/api/notify",
		"return_url":   "https://shop.example.com/api/return",
		"name":         "Order",
		"money":        "10.00",
	}
	assert.Equal(t, services.Sign(params, "testkey"), form.Fields["sign"])
}

func TestPagePaymentValidation(t *testing.T) {
	gw := newFakeGateway(t)
	router, _ := setupRouter(t, gw.server.URL)

	for _, body := range []string{"name=Order&money=", "name=&money=10", "name=Order&money=-5"} {
		w := doRequest(router, http.MethodPost, "/api/pay/page", "application/x-www-form-urlencoded", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Contains(t, w.Body.String(), `"kind":"validation"`, body)
	}
}

func TestAPIPaymentQRCode(t *testing.T) {
	gw := newFakeGateway(t)
	gw.body = `{"code":1,"trade_no":"T1","qrcode":"weixin://pay/abc"}`
	router, _ := setupRouter(t, gw.server.URL)

	w := doRequest(router, http.MethodPost, "/api/pay/api", "application/json",
		`{"name":"Order","money":"10","type":"wxpay","out_trade_no":"123"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "qrcode", resp["action"])
	assert.Equal(t, "weixin://pay/abc", resp["target"])
	assert.Equal(t, "T1", resp["trade_no"])
	assert.Equal(t, "/qrcode?text=weixin%3A%2F%2Fpay%2Fabc", resp["qrcode_image"])

	_, gotForm, _ := gw.received()
	assert.NotEqual(t, "123", resp["out_trade_no"])
	assert.Equal(t, gotForm.Get("out_trade_no"), resp["out_trade_no"])
	assert.Equal(t, "10.00", gotForm.Get("money"))
	assert.Equal(t, "pc", gotForm.Get("device"))
	assert.Equal(t, "192.0.2.1", gotForm.Get("clientip"))
	assert.True(t, services.Verify(flatten(gotForm), "testkey", gotForm.Get("sign")))
}

func TestAPIPaymentNumericMoney(t *testing.T) {
	gw := newFakeGateway(t)
	router, _ := setupRouter(t, gw.server.URL)

	w := doRequest(router, http.MethodPost, "/api/pay/api", "application/json", `{"name":"Order","money":10}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, gotForm, _ := gw.received()
	assert.Equal(t, "10.00", gotForm.Get("money"))

	w = doRequest(router, http.MethodPost, "/api/pay/page?format=json", "application/json", `{"name":"Order","money":0.5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"money":"0.50"`)
}

func TestPaymentBindErrors(t *testing.T) {
	gw := newFakeGateway(t)
	router, _ := setupRouter(t, gw.server.URL)

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{"bool money", "/api/pay/api", `{"name":"Order","money":true}`},
		{"malformed json", "/api/pay/api", `{"name":`},
		{"page flow malformed json", "/api/pay/page", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, http.MethodPost, tt.target, "application/json", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "validation", resp["kind"])
			assert.NotEmpty(t, resp["error"])
		})
	}
	gotRaw, _, _ := gw.received()
	assert.Empty(t, gotRaw)
}

func TestAPIPaymentAutoDevice(t *testing.T) {
	gw := newFakeGateway(t)
	router, _ := setupRouter(t, gw.server.URL)

	req := httptest.NewRequest(http.MethodPost, "/api/pay/api",
		strings.NewReader(`{"name":"Order","money":"1","device":"auto"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone) MicroMessenger/8.0")
	req.RemoteAddr = "127.0.0.1:5555"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	_, gotForm, _ := gw.received()
	assert.Equal(t, "wechat", gotForm.Get("device"))
	assert.Equal(t, "8.8.8.8", gotForm.Get("clientip"))
}

func TestAPIPaymentErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   string
		wantError  string
	}{
		{"gateway rejection", `{"code":0,"msg":"insufficient balance"}`, http.StatusPaymentRequired, "gateway", "insufficient balance"},
		{"missing payload", `{"code":1}`, http.StatusBadGateway, "protocol", ""},
		{"fatal text", `Fatal error: boom`, http.StatusPaymentRequired, "gateway", "Fatal error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway(t)
			gw.body = tt.body
			router, _ := setupRouter(t, gw.server.URL)

			w := doRequest(router, http.MethodPost, "/api/pay/api", "application/json", `{"name":"Order","money":"1"}`)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKind, resp["kind"])
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, resp["error"])
			}
		})
	}
}

func TestGenerateQRCode(t *testing.T) {
	router, _ := setupRouter(t, "http://127.0.0.1:1")

	w := doRequest(router, http.MethodGet, "/qrcode?text="+url.QueryEscape("weixin://pay/abc"), "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "\x89PNG"))

	w = doRequest(router, http.MethodGet, "/qrcode", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func notifyQuery(key string, status string) url.Values {
	params := map[string]string{
		"pid":          "1001",
		"trade_no":     "2024010112345",
		"out_trade_no": "123",
		"type":         "alipay",
		"name":         "Order",
		"money":        "10.00",
		"trade_status": status,
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("sign", services.Sign(params, key))
	q.Set("sign_type", "MD5")
	return q
}

func TestHandleNotifyBroadcasts(t *testing.T) {
	router, hub := setupRouter(t, "http://127.0.0.1:1")
	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?out_trade_no=123"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount("123") == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(server.URL + "/api/notify?" + notifyQuery("testkey", "TRADE_SUCCESS").Encode())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", string(body))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg PaymentMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "payment_success", msg.Type)
	assert.Equal(t, "123", msg.OutTradeNo)
	assert.Equal(t, "2024010112345", msg.TradeNo)
	assert.Equal(t, "10.00", msg.Money)
}

func TestHandleNotifyRejectsBadSignature(t *testing.T) {
	router, _ := setupRouter(t, "http://127.0.0.1:1")

	w := doRequest(router, http.MethodPost, "/api/notify", "application/x-www-form-urlencoded",
		notifyQuery("wrongkey", "TRADE_SUCCESS").Encode())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "fail", w.Body.String())
}

func TestHandleNotifyUnpaidAcknowledged(t *testing.T) {
	router, _ := setupRouter(t, "http://127.0.0.1:1")

	w := doRequest(router, http.MethodGet, "/api/notify?"+notifyQuery("testkey", "WAIT_BUYER_PAY").Encode(), "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", w.Body.String())
}

func TestHandleReturn(t *testing.T) {
	router, _ := setupRouter(t, "http://127.0.0.1:1")

	w := doRequest(router, http.MethodGet, "/api/return?"+notifyQuery("testkey", "TRADE_SUCCESS").Encode(), "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "支付成功")

	w = doRequest(router, http.MethodGet, "/api/return?"+notifyQuery("wrongkey", "TRADE_SUCCESS").Encode(), "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeWSRequiresOrder(t *testing.T) {
	router, _ := setupRouter(t, "http://127.0.0.1:1")

	w := doRequest(router, http.MethodGet, "/ws", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}
