package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempmail/disposable/internal/auth"
	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/logger"
	"tempmail/disposable/internal/notify"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// ErrClientClosed 连接已关闭
var ErrClientClosed = errors.New("websocket client closed")

// Authenticator 验证连接令牌
type Authenticator interface {
	Authenticate(token string) (*auth.Identity, error)
}

// Subscriptions 邮箱订阅入口，订阅前校验邮箱归属
type Subscriptions interface {
	Subscribe(ownerID, entityID string, sink notify.Sink) (*domain.Entity, error)
	Unsubscribe(ownerID, address, sinkID string) bool
}

// Releaser 连接断开时释放该连接的全部订阅
type Releaser interface {
	UnsubscribeAll(sinkID string) int
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeError        MessageType = "error"
)

// Message 控制消息。新邮件事件直接以 notify.Event 的 JSON 下发。
type Message struct {
	Type      MessageType `json:"type"`
	EntityID  string      `json:"entityId,omitempty"`
	Address   string      `json:"address,omitempty"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub 管理所有WebSocket连接
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
	mu         sync.RWMutex

	subs           Subscriptions
	releaser       Releaser
	authenticator  Authenticator
	allowedOrigins []string
	log            *zap.Logger
}

// NewHub 创建WebSocket Hub
func NewHub(allowedOrigins []string, authenticator Authenticator, subs Subscriptions, releaser Releaser, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		stopped:        make(chan struct{}),
		subs:           subs,
		releaser:       releaser,
		authenticator:  authenticator,
		allowedOrigins: allowedOrigins,
		log:            logger.OrNop(log),
	}
}

// Run 启动Hub，直到 ctx 结束
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			h.closeAllClients()
			h.log.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID()] = client
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("id", client.ID()), zap.String("owner_id", client.owner.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID()]; ok {
				delete(h.clients, client.ID())
				client.close()
			}
			h.mu.Unlock()
			released := h.releaser.UnsubscribeAll(client.ID())
			h.log.Debug("client unregistered", zap.String("id", client.ID()), zap.Int("released", released))

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) pingAllClients() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		client.sendMessage(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for id, client := range clients {
		client.close()
		h.releaser.UnsubscribeAll(id)
	}
}

// authenticate 从 URL 参数或 Authorization 头取令牌并验证
func (h *Hub) authenticate(c *gin.Context) (*auth.Identity, error) {
	token := c.Query("token")
	if token == "" {
		token, _ = auth.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		return nil, errors.New("missing authentication token")
	}
	return h.authenticator.Authenticate(token)
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		identity, err := hub.authenticate(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			id:    uuid.NewString(),
			owner: identity.Owner,
			conn:  conn,
			hub:   hub,
			send:  make(chan []byte, sendBuffer),
			done:  make(chan struct{}),
			log:   hub.log,
		}
		select {
		case hub.register <- client:
		case <-hub.stopped:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// Client 代表一个WebSocket客户端连接，实现 notify.Sink
type Client struct {
	id    string
	owner domain.Owner
	conn  *websocket.Conn
	hub   *Hub
	send  chan []byte
	log   *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// ID 连接标识
func (c *Client) ID() string { return c.id }

// Send 把推送排入发送队列，连接关闭或 ctx 到期时放弃
func (c *Client) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.EntityID)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.Address)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	default:
		c.sendError("unknown message type")
	}
}

// subscribe 订阅邮箱，只能订阅自己名下未过期的邮箱
func (c *Client) subscribe(entityID string) {
	if entityID == "" {
		c.sendError("entity ID is required")
		return
	}

	entity, err := c.hub.subs.Subscribe(c.owner.ID, entityID, c)
	if err != nil {
		c.log.Debug("subscription denied",
			zap.String("client_id", c.id),
			zap.String("entity_id", entityID),
			zap.Error(err))
		c.sendError(domain.ErrNotFoundOrExpired.Error())
		return
	}

	expiresAt := entity.ExpiresAt
	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		EntityID:  entity.ID,
		Address:   entity.Address,
		ExpiresAt: &expiresAt,
		Timestamp: time.Now(),
	})
}

func (c *Client) unsubscribe(address string) {
	if address == "" {
		c.sendError("address is required")
		return
	}
	c.hub.subs.Unsubscribe(c.owner.ID, address, c.id)
	c.sendMessage(&Message{Type: MessageTypeUnsubscribed, Address: address, Timestamp: time.Now()})
}

func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{Type: MessageTypeError, Error: errMsg, Timestamp: time.Now()})
}

// sendMessage 非阻塞发送控制消息
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("client_id", c.id))
	}
}
