package ws

import "time"

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageHello MessageType = "hello"
	MessageEvent MessageType = "event"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	Kind      string      `json:"kind,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// HelloData is sent once when a client connects.
type HelloData struct {
	Version string   `json:"version"`
	Kinds   []string `json:"kinds,omitempty"`
}

// EventData carries one watchdog event.
type EventData struct {
	Value float64 `json:"value"`
}
