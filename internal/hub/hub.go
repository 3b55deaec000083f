package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// relay is one outbound payload and the rooms that receive it. A relay
// with a client set is a direct reply to that client only.
type relay struct {
	rooms  []string
	client *Client
	data   []byte
}

type subscription struct {
	client *Client
	rooms  []string
	leave  bool
}

// Hub keeps room membership for subscribers and relays poller pushes to the
// rooms they address. All membership changes go through Run.
type Hub struct {
	// Connected clients
	clients map[*Client]bool

	// Room name to members
	rooms map[string]map[*Client]bool

	relay      chan relay
	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		relay:      make(chan relay, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop and returns when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			h.logger.Info("Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("remote_addr", client.remoteAddr),
				zap.String("endpoint", client.endpoint),
				zap.Int("total_clients", h.ClientCount()))

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				h.drop(client)
				h.logger.Info("Client unregistered",
					zap.String("remote_addr", client.remoteAddr),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case sub := <-h.subscribe:
			h.mu.Lock()
			if h.clients[sub.client] {
				h.apply(sub)
			}
			h.mu.Unlock()

		case r := <-h.relay:
			h.mu.Lock()
			h.deliver(r)
			h.mu.Unlock()
		}
	}
}

// Relay queues data for every member of rooms. A client in several of the
// rooms receives it once.
func (h *Hub) Relay(data []byte, rooms ...string) {
	select {
	case h.relay <- relay{rooms: rooms, data: data}:
	default:
		h.logger.Warn("Hub relay channel full, message dropped",
			zap.Strings("rooms", rooms))
	}
}

// send hands an event to Run unless the hub has stopped.
func send[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of members in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) apply(sub subscription) {
	for _, room := range sub.rooms {
		members := h.rooms[room]
		if sub.leave {
			if members != nil {
				delete(members, sub.client)
				if len(members) == 0 {
					delete(h.rooms, room)
				}
			}
			continue
		}
		if members == nil {
			members = make(map[*Client]bool)
			h.rooms[room] = members
		}
		members[sub.client] = true
	}
}

func (h *Hub) deliver(r relay) {
	if r.client != nil {
		if h.clients[r.client] {
			h.offer(r.client, r.data)
		}
		return
	}

	seen := make(map[*Client]bool)
	for _, room := range r.rooms {
		for client := range h.rooms[room] {
			if seen[client] {
				continue
			}
			seen[client] = true
			h.offer(client, r.data)
		}
	}
}

func (h *Hub) offer(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		// Client send channel full - unregister slow/dead client
		h.logger.Warn("Client send buffer full, unregistering",
			zap.String("remote_addr", client.remoteAddr))
		h.drop(client)
	}
}

// drop removes client everywhere and closes its send channel. Caller holds mu.
func (h *Hub) drop(client *Client) {
	for room, members := range h.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.clients, client)
	close(client.send)
}
