// Package relay carries serial bytes, status text and file change
// notifications between the device-holding client and the server over one
// websocket.
package relay

import (
	"encoding/json"
	"errors"
)

// Event names on the wire
const (
	// client-local lifecycle, never sent
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	EventSerialData   = "serial-data"
	EventStatus       = "status"
	EventFilesChanged = "files-changed"

	// sent by the client when its device session starts and ends
	EventConnected    = "connected"
	EventDisconnected = "disconnected"

	// reply to an envelope that carried an id
	EventAck = "ack"
)

var ErrNotConnected = errors.New("relay: not connected")

// Envelope is one websocket text frame
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event
func NewEnvelope(event string, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.New("relay: empty payload")
	}
	return json.Unmarshal(e.Data, v)
}

// DeviceInfo is the payload of connected and disconnected
type DeviceInfo struct {
	BaudRate int `json:"baudRate"`
}

// Status is the payload of status
type Status struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// FilesChanged is the payload of files-changed
type FilesChanged struct {
	Paths []string `json:"paths"`
}

// Ack answers an envelope that carried an id
type Ack struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}
