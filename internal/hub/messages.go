package hub

import (
	"encoding/json"
	"time"
)

// MessageType defines the type of a hub message
type MessageType string

const (
	// Poller uplink
	MessageTypeStatePush MessageType = "state.push" // per-loom channel
	MessageTypeState     MessageType = "state"      // group channel, and every downlink

	// Subscriber requests
	MessageTypeJoin      MessageType = "join"
	MessageTypeJoinGroup MessageType = "join.group"
	MessageTypeLeave     MessageType = "leave"

	// Hub replies
	MessageTypeJoined MessageType = "joined"
	MessageTypeError  MessageType = "error"
)

// Room names
const (
	RoomAll = "ALL"
)

func DeviceRoom(key string) string  { return "telar:" + key }
func GroupRoom(group string) string { return "grp:" + group }

// Message is the envelope for everything sent over a hub socket.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Inbound is a message as read from a client, with the payload left raw.
type Inbound struct {
	Type   MessageType     `json:"type"`
	Keys   []string        `json:"keys,omitempty"`
	Groups []string        `json:"groups,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// StatePayload is the part of a snapshot the hub needs for routing.
type StatePayload struct {
	Key   string `json:"telcod"`
	Group string `json:"grupo"`
}

type JoinedData struct {
	Rooms []string `json:"rooms"`
}

type ErrorData struct {
	Reason string `json:"reason"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
