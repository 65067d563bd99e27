package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PaymentMessage 推送给等待页面的支付状态
type PaymentMessage struct {
	Type       string `json:"type"`
	OutTradeNo string `json:"out_trade_no"`
	TradeNo    string `json:"trade_no,omitempty"`
	Money      string `json:"money,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

type subscriber struct {
	conn    *websocket.Conn
	orderID string
}

type orderMessage struct {
	orderID string
	data    []byte
}

// Hub 按商户订单号管理 WebSocket 连接。
// 所有写操作都在 Run 协程中完成
type Hub struct {
	upgrader     websocket.Upgrader
	clients      map[string]map[*websocket.Conn]bool
	register     chan *subscriber
	unregister   chan *subscriber
	broadcast    chan orderMessage
	mutex        sync.Mutex
	pingInterval time.Duration
	done         chan struct{}
	log          *zap.Logger
}

// NewHub 创建连接管理器，allowedOrigins 为空时允许所有来源
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(origins) == 0 || origins[origin]
			},
		},
		clients:      make(map[string]map[*websocket.Conn]bool),
		register:     make(chan *subscriber),
		unregister:   make(chan *subscriber),
		broadcast:    make(chan orderMessage, 64),
		pingInterval: 30 * time.Second,
		done:         make(chan struct{}),
		log:          log,
	}
}

// Run 处理注册、注销、广播和定期心跳，ctx 结束时关闭全部连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case s := <-h.register:
			h.mutex.Lock()
			if h.clients[s.orderID] == nil {
				h.clients[s.orderID] = make(map[*websocket.Conn]bool)
			}
			h.clients[s.orderID][s.conn] = true
			h.mutex.Unlock()
			h.log.Debug("websocket client connected", zap.String("out_trade_no", s.orderID))

		case s := <-h.unregister:
			h.remove(s.orderID, s.conn)
			h.log.Debug("websocket client disconnected", zap.String("out_trade_no", s.orderID))

		case msg := <-h.broadcast:
			h.mutex.Lock()
			conns := make([]*websocket.Conn, 0, len(h.clients[msg.orderID]))
			for conn := range h.clients[msg.orderID] {
				conns = append(conns, conn)
			}
			h.mutex.Unlock()

			for _, conn := range conns {
				_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					h.log.Warn("websocket broadcast failed", zap.String("out_trade_no", msg.orderID), zap.Error(err))
					h.remove(msg.orderID, conn)
				}
			}

		case <-ticker.C:
			h.cleanupInvalidConnections()

		case <-ctx.Done():
			h.mutex.Lock()
			for _, conns := range h.clients {
				for conn := range conns {
					conn.Close()
				}
			}
			h.clients = make(map[string]map[*websocket.Conn]bool)
			h.mutex.Unlock()
			return
		}
	}
}

func (h *Hub) remove(orderID string, conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	conns, ok := h.clients[orderID]
	if !ok || !conns[conn] {
		return
	}
	delete(conns, conn)
	conn.Close()
	if len(conns) == 0 {
		delete(h.clients, orderID)
	}
}

// cleanupInvalidConnections 发送 ping，失败的连接直接清理
func (h *Hub) cleanupInvalidConnections() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for orderID, conns := range h.clients {
		for conn := range conns {
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				delete(conns, conn)
			}
		}
		if len(conns) == 0 {
			delete(h.clients, orderID)
		}
	}
}

// ClientCount 订阅某订单的连接数
func (h *Hub) ClientCount(orderID string) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients[orderID])
}

// Broadcast 向订阅该订单的页面推送消息
func (h *Hub) Broadcast(msg PaymentMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal payment message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- orderMessage{orderID: msg.OutTradeNo, data: data}:
	case <-h.done:
	}
}

// ServeWS GET /ws?out_trade_no=xxx
func (h *Hub) ServeWS(c *gin.Context) {
	orderID := c.Query("out_trade_no")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "out_trade_no is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &subscriber{conn: conn, orderID: orderID}
	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	// 只接收服务端推送，读循环用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			break
		}
	}

	select {
	case h.unregister <- s:
	case <-h.done:
	}
}
