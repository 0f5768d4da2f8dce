// Package monitor 通过websocket把引擎事件流推送给外部观察端。
// 推送是尽力而为的：慢客户端会被断开，绝不反压交易路径。
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cta-grid-engine/internal/logger"
)

const clientBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame 是推送给观察端的事件帧
type Frame struct {
	Type string      `json:"type"`
	Ts   int64       `json:"ts"` // 毫秒时间戳
	Data interface{} `json:"data"`
}

// Hub 维护全部websocket连接并广播事件帧。实现engine.Publisher。
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	server  *http.Server
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub 创建一个空的广播中心
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Publish 把一条事件编码后广播给所有连接。
// 编码失败或没有任何连接时静默返回。
func (h *Hub) Publish(eventType string, data interface{}) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	payload, err := json.Marshal(Frame{
		Type: eventType,
		Ts:   time.Now().UnixMilli(),
		Data: data,
	})
	if err != nil {
		logger.S().Warnf("监控事件编码失败: type=%s %v", eventType, err)
		return
	}

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			// 发送缓冲已满，判定为慢客户端并断开
			h.drop(c)
		}
	}
}

// Serve 在addr上启动HTTP服务，/ws为事件流入口。
// addr为空时监控被禁用，直接返回nil。
func (h *Hub) Serve(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.S().Infof("监控服务已启动: ws://%s/ws", addr)
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.S().Errorf("监控服务异常退出: %v", err)
		}
	}()
	return nil
}

// Close 停止HTTP服务并断开全部连接
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
	if h.server != nil {
		_ = h.server.Close()
	}
}

// ClientCount 返回当前连接数
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.S().Warnf("websocket升级失败: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	logger.S().Infof("监控客户端接入: %s", conn.RemoteAddr())
	go c.writeLoop()
	go c.readLoop(h)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// writeLoop 把广播缓冲写入连接，send关闭后收尾退出。
func (c *client) writeLoop() {
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}

// readLoop 只消费控制帧（ping/close），观察端不发业务数据。
func (c *client) readLoop(h *Hub) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}
