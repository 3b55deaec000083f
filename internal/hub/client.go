package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/KevinKickass/loomwatch/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

// Endpoints
const (
	EndpointTelar      = "telar"
	EndpointSupervisor = "supervisor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection to the hub. Pollers push on it,
// dashboards join rooms and receive.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	endpoint   string
	remoteAddr string
	canPush    bool
	joined     map[string]bool
	logger     *zap.Logger
}

// ServeWs upgrades the request and attaches the connection to hub. A
// presented token must be valid; only poller tokens may push. Without any
// configured credential every connection may push.
func ServeWs(hub *Hub, issuer *auth.Issuer, endpoint string, w http.ResponseWriter, r *http.Request) {
	canPush := true
	if issuer.Enabled() {
		canPush = false
		if token := auth.TokenFromRequest(r); token != "" {
			role, err := issuer.Authenticate(token)
			if err != nil {
				hub.logger.Warn("Hub connection rejected",
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			canPush = role == auth.RolePoller
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		endpoint:   endpoint,
		remoteAddr: conn.RemoteAddr().String(),
		canPush:    canPush,
		joined:     make(map[string]bool),
		logger:     hub.logger,
	}

	if !send(hub, hub.register, client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		send(c.hub, c.hub.unregister, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.reply(MessageTypeError, ErrorData{Reason: "malformed message"})
			continue
		}
		if err := c.handle(in); err != nil {
			c.reply(MessageTypeError, ErrorData{Reason: err.Error()})
		}
	}
}

func (c *Client) handle(in Inbound) error {
	switch in.Type {
	case MessageTypeStatePush:
		return c.push(in, EndpointTelar)
	case MessageTypeState:
		return c.push(in, EndpointSupervisor)
	case MessageTypeJoin:
		return c.join(rooms(in.Keys, DeviceRoom))
	case MessageTypeJoinGroup:
		return c.join(rooms(in.Groups, groupOrAll))
	case MessageTypeLeave:
		c.leave(append(rooms(in.Keys, DeviceRoom), rooms(in.Groups, groupOrAll)...))
		return nil
	default:
		return errors.New("unknown message type")
	}
}

// push relays a poller snapshot. Device pushes reach the loom's room;
// group pushes reach the group room and ALL.
func (c *Client) push(in Inbound, endpoint string) error {
	if !c.canPush {
		return errors.New("push not permitted")
	}
	if c.endpoint != endpoint {
		return errors.New(string(in.Type) + " not accepted on this endpoint")
	}

	var payload StatePayload
	if err := json.Unmarshal(in.Data, &payload); err != nil {
		return errors.New("malformed state payload")
	}

	data, err := json.Marshal(NewMessage(MessageTypeState, in.Data))
	if err != nil {
		return err
	}

	switch endpoint {
	case EndpointTelar:
		if payload.Key == "" {
			return errors.New("state without telcod")
		}
		c.hub.Relay(data, DeviceRoom(payload.Key))
	case EndpointSupervisor:
		if payload.Group == "" {
			c.hub.Relay(data, RoomAll)
		} else {
			c.hub.Relay(data, GroupRoom(payload.Group), RoomAll)
		}
	}
	return nil
}

func (c *Client) join(names []string) error {
	if len(names) == 0 {
		return errors.New("nothing to join")
	}
	if !send(c.hub, c.hub.subscribe, subscription{client: c, rooms: names}) {
		return errors.New("hub stopped")
	}
	for _, room := range names {
		c.joined[room] = true
	}
	c.reply(MessageTypeJoined, JoinedData{Rooms: names})
	return nil
}

// leave drops the named rooms, or every joined room when none are named.
func (c *Client) leave(names []string) {
	if len(names) == 0 {
		for room := range c.joined {
			names = append(names, room)
		}
	}
	for _, room := range names {
		delete(c.joined, room)
	}
	send(c.hub, c.hub.subscribe, subscription{client: c, rooms: names, leave: true})
}

func (c *Client) reply(msgType MessageType, data interface{}) {
	payload, err := json.Marshal(NewMessage(msgType, data))
	if err != nil {
		return
	}
	send(c.hub, c.hub.relay, relay{client: c, data: payload})
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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

func rooms(names []string, room func(string) string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, room(n))
		}
	}
	return out
}

func groupOrAll(group string) string {
	if group == RoomAll || group == "*" {
		return RoomAll
	}
	return GroupRoom(group)
}
