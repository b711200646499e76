package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"go.uber.org/zap"

	"github.com/charlesng35/bucketcast/pkg/logger"
	"github.com/charlesng35/bucketcast/pkg/metrics"
)

// Subprotocol is the GraphQL over WebSocket protocol spoken by the hub.
const Subprotocol = "graphql-transport-ws"

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 64 << 10
	defaultInitTimeout = 10 * time.Second
	sendBufferSize     = 128
)

// Close codes defined by graphql-transport-ws.
const (
	closeBadRequest      = 4400
	closeUnauthorized    = 4401
	closeForbidden       = 4403
	closeInitTimeout     = 4408
	closeSubscriberExist = 4409
	closeTooManyInit     = 4429
)

// TokenAuthenticator resolves a bearer token presented in connection_init.
type TokenAuthenticator func(ctx context.Context, token string) (userID string, err error)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Hub serves the subscription socket. Each connection runs a read loop and a
// write loop; each active operation runs one goroutine draining its broker
// subscription.
type Hub struct {
	broker       *Broker
	authenticate TokenAuthenticator
	upgrader     websocket.Upgrader
	initTimeout  time.Duration
	log          *zap.Logger
}

func NewHub(broker *Broker, authenticate TokenAuthenticator, allowedOrigins []string) *Hub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[hostWithoutPort(origin)] = struct{}{}
	}
	return &Hub{
		broker:       broker,
		authenticate: authenticate,
		initTimeout:  defaultInitTimeout,
		log:          logger.WithModule("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				if _, ok := allowed[originHost]; ok {
					return true
				}
				return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
			},
		},
	}
}

// Serve upgrades the request. userID may be empty, in which case the client
// must authenticate through the connection_init payload.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	if socket.Subprotocol() != Subprotocol {
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported subprotocol"),
			time.Now().Add(writeWait))
		_ = socket.Close()
		return
	}

	c := &wsConn{
		hub:    h,
		socket: socket,
		userID: userID,
		send:   make(chan wsMessage, sendBufferSize),
		done:   make(chan struct{}),
		ops:    make(map[string]*Subscription),
		ctx:    r.Context(),
	}
	metrics.LiveSubscribers.WithLabelValues("graphql").Inc()
	defer metrics.LiveSubscribers.WithLabelValues("graphql").Dec()

	initTimer := time.AfterFunc(h.initTimeout, func() {
		if !c.isAcked() {
			c.closeWith(closeInitTimeout, "Connection initialisation timeout")
		}
	})
	defer initTimer.Stop()

	go c.writeLoop()
	c.readLoop()
}

type wsConn struct {
	hub    *Hub
	socket *websocket.Conn
	ctx    context.Context

	mu     sync.Mutex
	userID string
	inited bool
	acked  bool
	ops    map[string]*Subscription

	send chan wsMessage
	done chan struct{}
	once sync.Once
}

func (c *wsConn) isAcked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

func (c *wsConn) readLoop() {
	defer c.closeWith(websocket.CloseNormalClosure, "")

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg wsMessage
		if err := c.socket.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.closeWith(closeBadRequest, "Invalid message received")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("socket closed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "connection_init":
			if !c.handleInit(msg.Payload) {
				return
			}
		case "ping":
			c.enqueue(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			if !c.isAcked() {
				c.closeWith(closeUnauthorized, "Unauthorized")
				return
			}
			if !c.handleSubscribe(msg) {
				return
			}
		case "complete":
			c.completeOp(msg.ID)
		default:
			c.closeWith(closeBadRequest, fmt.Sprintf("Unknown message type %q", msg.Type))
			return
		}
	}
}

func (c *wsConn) handleInit(payload json.RawMessage) bool {
	c.mu.Lock()
	if c.inited {
		c.mu.Unlock()
		c.closeWith(closeTooManyInit, "Too many initialisation requests")
		return false
	}
	c.inited = true
	userID := c.userID
	c.mu.Unlock()

	if userID == "" {
		token := tokenFromInit(payload)
		if token == "" || c.hub.authenticate == nil {
			c.closeWith(closeForbidden, "Forbidden")
			return false
		}
		id, err := c.hub.authenticate(c.ctx, token)
		if err != nil || id == "" {
			c.closeWith(closeForbidden, "Forbidden")
			return false
		}
		userID = id
	}

	c.mu.Lock()
	c.userID = userID
	c.acked = true
	c.mu.Unlock()
	c.enqueue(wsMessage{Type: "connection_ack"})
	return true
}

func (c *wsConn) handleSubscribe(msg wsMessage) bool {
	if msg.ID == "" {
		c.closeWith(closeBadRequest, "Subscribe message requires an id")
		return false
	}
	var payload subscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.closeWith(closeBadRequest, "Invalid subscribe payload")
		return false
	}

	field, err := rootField(payload.Query, payload.OperationName)
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return true
	}
	eventType, ok := ParseEventType(field)
	if !ok {
		c.sendError(msg.ID, fmt.Sprintf("Cannot query field %q on type \"Subscription\"", field))
		return true
	}

	filter := Filter{Types: map[EventType]struct{}{eventType: {}}}
	if bucketID, ok := payload.Variables["bucketId"].(string); ok {
		filter.BucketID = bucketID
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return false
	default:
	}
	if _, exists := c.ops[msg.ID]; exists {
		c.mu.Unlock()
		c.closeWith(closeSubscriberExist, fmt.Sprintf("Subscriber for %s already exists", msg.ID))
		return false
	}
	sub := c.hub.broker.Subscribe(c.userID, filter)
	c.ops[msg.ID] = sub
	c.mu.Unlock()

	go c.forward(msg.ID, field, sub)
	return true
}

func (c *wsConn) forward(id, field string, sub *Subscription) {
	for ev := range sub.Events() {
		payload, err := json.Marshal(map[string]any{"data": map[string]json.RawMessage{field: ev.Data}})
		if err != nil {
			continue
		}
		c.enqueue(wsMessage{ID: id, Type: "next", Payload: payload})
	}

	// The broker dropped the subscription; tell the client unless it already
	// completed the operation itself.
	c.mu.Lock()
	current, ok := c.ops[id]
	if ok && current == sub {
		delete(c.ops, id)
	}
	c.mu.Unlock()
	if ok && current == sub {
		c.enqueue(wsMessage{ID: id, Type: "complete"})
	}
}

func (c *wsConn) completeOp(id string) {
	c.mu.Lock()
	sub, ok := c.ops[id]
	delete(c.ops, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *wsConn) sendError(id, message string) {
	payload, _ := json.Marshal([]map[string]string{{"message": message}})
	c.enqueue(wsMessage{ID: id, Type: "error", Payload: payload})
}

func (c *wsConn) enqueue(msg wsMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.hub.log.Warn("dropping backpressured socket", zap.String("user_id", c.userID))
		c.closeWith(websocket.CloseTryAgainLater, "Slow consumer")
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(msg); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// closeWith ends every operation and closes the socket with code.
func (c *wsConn) closeWith(code int, reason string) {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		ops := c.ops
		c.ops = map[string]*Subscription{}
		c.mu.Unlock()
		for _, sub := range ops {
			sub.Close()
		}

		if code != websocket.CloseAbnormalClosure {
			_ = c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		}
		_ = c.socket.Close()
	})
}

func tokenFromInit(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"Authorization", "authorization", "authToken", "token"} {
		if raw, ok := fields[key].(string); ok && raw != "" {
			raw = strings.TrimSpace(raw)
			if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
				return strings.TrimSpace(raw[7:])
			}
			return raw
		}
	}
	return ""
}

// rootField extracts the first field selected by a subscription document,
// for example "notificationCreated" from
// `subscription OnNew($bucketId: ID) { notificationCreated { id } }`.
// operationName picks the operation when the document holds several;
// fragment spreads and inline fragments are followed.
func rootField(query, operationName string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", errors.New("Query is required")
	}
	doc, err := parser.ParseQuery(&ast.Source{Name: "subscription", Input: query})
	if err != nil {
		return "", err
	}

	var op *ast.OperationDefinition
	switch {
	case operationName != "":
		op = doc.Operations.ForName(operationName)
		if op == nil {
			return "", fmt.Errorf("Unknown operation named %q", operationName)
		}
	case len(doc.Operations) == 1:
		op = doc.Operations[0]
	case len(doc.Operations) == 0:
		return "", errors.New("Document contains no operations")
	default:
		return "", errors.New("Must provide operation name if query contains multiple operations")
	}
	if op.Operation != ast.Subscription {
		return "", errors.New("Only subscription operations are supported")
	}

	field := firstField(doc, op.SelectionSet, map[string]bool{})
	if field == nil {
		return "", errors.New("Subscription must select a field")
	}
	return field.Name, nil
}

func firstField(doc *ast.QueryDocument, set ast.SelectionSet, seen map[string]bool) *ast.Field {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			return s
		case *ast.InlineFragment:
			if f := firstField(doc, s.SelectionSet, seen); f != nil {
				return f
			}
		case *ast.FragmentSpread:
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			if def := doc.Fragments.ForName(s.Name); def != nil {
				if f := firstField(doc, def.SelectionSet, seen); f != nil {
					return f
				}
			}
		}
	}
	return nil
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if strings.Contains(host, "://") {
		if parsed, err := url.Parse(host); err == nil {
			return hostWithoutPort(parsed.Host)
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
