package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kandev/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// HandlerFunc answers a hub-initiated request (abort, switchToLocal, an
// approval-decision endpoint) with a result payload or an error.
type HandlerFunc func(payload json.RawMessage) (any, error)

// Client is the concrete WebSocket implementation of the hub contract
// spec section 6.1 describes. The bridge only ever needs the
// notification-send half (sendCodexMessage/sendSessionEvent) plus
// inbound request dispatch (registerHandler); Request is kept for
// symmetry with the teacher's client and for any future
// bridge-initiated hub RPC.
type Client struct {
	url    string
	logger *logger.Logger

	connMu       sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	disconnected chan struct{}

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	reconnectInterval time.Duration
}

// New returns a hub client for url, not yet connected.
func New(url string, log *logger.Logger) *Client {
	return &Client{
		url:               url,
		logger:            log.WithFields(zap.String("component", "hub-client")),
		pending:           make(map[string]chan *Message),
		handlers:          make(map[string]HandlerFunc),
		reconnectInterval: 5 * time.Second,
	}
}

// Connect dials the hub and starts the read loop. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.connected {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("connect to hub: %w", err)
	}
	c.conn = conn
	c.connected = true
	c.disconnected = make(chan struct{})
	c.logger.Info("connected to hub", zap.String("url", c.url))
	go c.readLoop()
	return nil
}

// Run keeps the hub connection alive for the lifetime of ctx: once
// connected (by a prior Connect call, or by Run itself), it blocks until
// the connection drops, then retries at reconnectInterval until either a
// reconnect succeeds or ctx ends. Per spec section 6.1's reconnection
// requirement; every outbound call (notify/Request) already reports
// "not connected to hub" while a reconnect is pending, so callers degrade
// gracefully rather than blocking on it.
func (c *Client) Run(ctx context.Context) error {
	for {
		if !c.IsConnected() {
			if err := c.Connect(ctx); err != nil {
				c.logger.Warn("hub reconnect failed, will retry",
					zap.Error(err), zap.Duration("interval", c.reconnectInterval))
				select {
				case <-time.After(c.reconnectInterval):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		c.connMu.RLock()
		disconnected := c.disconnected
		c.connMu.RUnlock()

		select {
		case <-disconnected:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close disconnects from the hub.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	if c.disconnected != nil {
		close(c.disconnected)
		c.disconnected = nil
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected reports whether the socket is currently up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// RegisterHandler installs handler for a hub-initiated request whose
// action matches method. The bridge registers message, abort,
// switchToLocal and a single approvalDecision endpoint that answers
// every approval kind; there are no separate per-kind approval
// endpoints.
func (c *Client) RegisterHandler(method string, handler HandlerFunc) {
	c.handlersMu.Lock()
	c.handlers[method] = handler
	c.handlersMu.Unlock()
}

// SendCodexMessage forwards event to the hub as an opaque notification;
// the hub treats it as any object carrying a generated id.
func (c *Client) SendCodexMessage(event any) error {
	return c.notify("codex_message", event)
}

// SendSessionEvent forwards a session-lifecycle event, e.g.
// {type: "ready"} or {type: "message", message: "..."}.
func (c *Client) SendSessionEvent(event any) error {
	return c.notify("session_event", event)
}

// UpdateAgentState pushes the bridge's current thinking/session state to
// the hub as a notification. The bridge holds no authoritative copy of
// agent state beyond what it reports here.
func (c *Client) UpdateAgentState(thinking bool, sessionID string) error {
	return c.notify("agent_state", &AgentState{Thinking: thinking, SessionID: sessionID})
}

// AgentState is the subset of hub-visible agent state the bridge
// reports: whether Codex is actively thinking and the current session
// id, if known.
type AgentState struct {
	Thinking  bool   `json:"thinking"`
	SessionID string `json:"session_id,omitempty"`
}

func (c *Client) notify(action string, payload any) error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to hub")
	}
	msg, err := newNotification(action, payload)
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}
	return c.writeMessage(msg)
}

// Request sends a request and blocks for the hub's response.
func (c *Client) Request(ctx context.Context, action string, payload any) (*Message, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("not connected to hub")
	}
	id := uuid.New().String()
	msg, err := newRequest(id, action, payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	respCh := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	if err := c.writeMessage(msg); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) writeMessage(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected to hub")
	}
	return conn.WriteJSON(msg)
}

func (c *Client) readLoop() {
	for {
		c.connMu.RLock()
		conn, connected := c.conn, c.connected
		c.connMu.RUnlock()
		if !connected || conn == nil {
			return
		}
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("hub read error", zap.Error(err))
			}
			c.handleDisconnect()
			return
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	switch msg.Type {
	case MessageTypeResponse, MessageTypeError:
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		}

	case MessageTypeRequest:
		c.handlersMu.RLock()
		handler, ok := c.handlers[msg.Action]
		c.handlersMu.RUnlock()
		if !ok {
			c.logger.Warn("no handler registered for hub request", zap.String("action", msg.Action))
			if reply, err := newError(msg.ID, msg.Action, ErrorCodeNotFound, "no handler registered"); err == nil {
				_ = c.writeMessage(reply)
			}
			return
		}
		go c.invokeHandler(msg, handler)
	}
}

func (c *Client) invokeHandler(msg *Message, handler HandlerFunc) {
	result, err := handler(msg.Payload)
	if err != nil {
		if reply, buildErr := newError(msg.ID, msg.Action, ErrorCodeInternalError, err.Error()); buildErr == nil {
			_ = c.writeMessage(reply)
		}
		return
	}
	if reply, buildErr := newResponse(msg.ID, msg.Action, result); buildErr == nil {
		_ = c.writeMessage(reply)
	}
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.conn = nil
	if c.disconnected != nil {
		close(c.disconnected)
		c.disconnected = nil
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		errMsg, _ := newError(id, "", ErrorCodeConnLost, "connection to hub lost")
		ch <- errMsg
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}
