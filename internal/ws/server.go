// Package ws WebSocket 行情推送
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/boomtrade/bridge/internal/quote"
	bridgeerrors "github.com/boomtrade/bridge/pkg/errors"
	"github.com/boomtrade/bridge/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Streamer is the quote multiplexer as seen by a connection.
type Streamer interface {
	Subscribe(ctx context.Context, subscriberID, symbol string) (*quote.Subscription, error)
	Unsubscribe(subscriberID, symbol string)
}

type Config struct {
	AllowedOrigins          []string
	MaxSubscriptionsPerConn int
	ReadTimeout             time.Duration
	PingInterval            time.Duration
	WriteWait               time.Duration
}

// Server WebSocket 服务
type Server struct {
	streamer Streamer
	cfg      Config
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*client]struct{}
}

func NewServer(streamer Streamer, cfg Config, log *logger.Logger) *Server {
	if cfg.MaxSubscriptionsPerConn <= 0 {
		cfg.MaxSubscriptionsPerConn = 50
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		streamer: streamer,
		cfg:      cfg,
		log:      log.Component("ws"),
		conns:    make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r, s.cfg.AllowedOrigins)
		},
	}
	return s
}

// clientFrame is what clients send. A frame with only a symbol is a subscribe.
type clientFrame struct {
	Op     string `json:"op"`
	Symbol string `json:"symbol"`
}

type controlFrame struct {
	Type    string `json:"type"`
	Op      string `json:"op,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type quoteFrame struct {
	Type string `json:"type"`
	quote.Quote
}

type client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*quote.Subscription

	closeOnce sync.Once
}

// Handle upgrades the request and serves the connection until it closes.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*quote.Subscription),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debugf("websocket connected", logger.Fields{"subscriber": c.id, "remote": r.RemoteAddr})

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer c.close()

	cfg := c.server.cfg
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.log.WithError(err).Debug("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("", bridgeerrors.New(bridgeerrors.CodeInvalidRequest, "malformed frame"))
			continue
		}
		c.handle(frame)
	}
}

func (c *client) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handle(f clientFrame) {
	op := strings.ToLower(strings.TrimSpace(f.Op))
	if op == "" && f.Symbol != "" {
		op = "subscribe"
	}
	symbol := strings.ToUpper(strings.TrimSpace(f.Symbol))

	switch op {
	case "subscribe":
		c.subscribe(symbol)
	case "unsubscribe":
		c.unsubscribe(symbol)
	case "ping":
		c.sendJSON(controlFrame{Type: "pong"})
	default:
		c.sendError(symbol, bridgeerrors.Newf(bridgeerrors.CodeInvalidRequest, "unknown op %q", f.Op))
	}
}

func (c *client) subscribe(symbol string) {
	if err := validateSymbol(symbol); err != nil {
		c.sendError(symbol, err)
		return
	}

	c.mu.Lock()
	_, exists := c.subs[symbol]
	full := len(c.subs) >= c.server.cfg.MaxSubscriptionsPerConn
	c.mu.Unlock()
	if exists {
		c.sendJSON(controlFrame{Type: "ack", Op: "subscribe", Symbol: symbol})
		return
	}
	if full {
		c.sendError(symbol, bridgeerrors.New(bridgeerrors.CodeInvalidRequest, "too many subscriptions"))
		return
	}

	sub, err := c.server.streamer.Subscribe(c.ctx, c.id, symbol)
	if err != nil {
		c.sendError(symbol, err)
		return
	}

	c.mu.Lock()
	c.subs[symbol] = sub
	c.mu.Unlock()
	c.sendJSON(controlFrame{Type: "ack", Op: "subscribe", Symbol: symbol})

	go c.forward(sub)
}

// forward 把订阅的行情写入发送队列，直到订阅关闭
func (c *client) forward(sub *quote.Subscription) {
	for tick := range sub.Ticks() {
		if tick.Err != nil {
			c.sendError(tick.Symbol, tick.Err)
			continue
		}
		if tick.Quote != nil {
			c.sendJSON(quoteFrame{Type: "quote", Quote: *tick.Quote})
		}
	}
	c.mu.Lock()
	if c.subs[sub.Symbol] == sub {
		delete(c.subs, sub.Symbol)
	}
	c.mu.Unlock()
}

func (c *client) unsubscribe(symbol string) {
	c.mu.Lock()
	delete(c.subs, symbol)
	c.mu.Unlock()

	c.server.streamer.Unsubscribe(c.id, symbol)
	c.sendJSON(controlFrame{Type: "ack", Op: "unsubscribe", Symbol: symbol})
}

func (c *client) sendError(symbol string, err error) {
	e := bridgeerrors.From(err)
	c.sendJSON(controlFrame{Type: "error", Symbol: symbol, Code: string(e.Code), Message: e.Message})
}

func (c *client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		// 客户端过慢时丢弃
	}
}

// close ends every subscription of the connection through its context.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()

		s := c.server
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.log.Debugf("websocket closed", logger.Fields{"subscriber": c.id})
	})
}

// ConnectionCount 当前连接数
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll closes every open connection.
func (s *Server) CloseAll() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients usually don't send Origin.
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func validateSymbol(symbol string) error {
	if symbol == "" {
		return bridgeerrors.New(bridgeerrors.CodeInvalidParam, "symbol is required")
	}
	if len(symbol) > 32 {
		return bridgeerrors.New(bridgeerrors.CodeInvalidParam, "symbol too long")
	}
	for i := 0; i < len(symbol); i++ {
		b := symbol[i]
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '.' || b == '-' || b == ' ' {
			continue
		}
		return bridgeerrors.New(bridgeerrors.CodeInvalidParam, "invalid symbol")
	}
	return nil
}
