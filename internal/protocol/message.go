// Package protocol defines the JSON envelope shared by the WebSocket stream,
// the cloud uplink and MQTT payloads.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of message
type MessageType string

const (
	// Device -> consumers
	TypePeak     MessageType = "peak"     // Confirmed peak with position report
	TypeReadings MessageType = "readings" // Current channel readings
	TypeButton   MessageType = "button"   // Button press notification
	TypeStats    MessageType = "stats"    // Session statistics

	// Consumers -> device
	TypeGetStats MessageType = "get_stats"

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// ButtonData is the payload of a button message
type ButtonData struct {
	Count uint64 `json:"count"`
	Text  string `json:"text"`
}

// NewPongMessage answers a ping
func NewPongMessage() *Message {
	return &Message{Type: TypePong, Timestamp: time.Now().UnixMilli()}
}
