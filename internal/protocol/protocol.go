// Package protocol defines the JSON frames exchanged over the chat
// WebSocket and the close reasons the server reports.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame types.
const (
	TypeMessage = "message"
	TypeAck     = "ack"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"
)

// Ack statuses.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
	StatusFailed    = "failed"
)

// ErrInvalidFrame is returned for frames that are not valid JSON or carry an
// unknown type or missing fields.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one WebSocket message in either direction. Unused fields are
// omitted on the wire.
type Frame struct {
	Type       string     `json:"type"`
	MessageID  string     `json:"message_id,omitempty"`
	SenderID   int64      `json:"sender_id,omitempty"`
	ReceiverID int64      `json:"receiver_id,omitempty"`
	Content    string     `json:"content,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Ref        string     `json:"ref,omitempty"`
	Status     string     `json:"status,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Parse unmarshals a frame of any type without validating it. Clients use
// it for server frames.
func Parse(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return f, nil
}

// Decode parses and validates a client frame.
func Decode(b []byte) (Frame, error) {
	f, err := Parse(b)
	if err != nil {
		return Frame{}, err
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks that a client frame carries what its type requires.
func (f Frame) Validate() error {
	switch f.Type {
	case TypePing, TypePong:
		return nil
	case TypeMessage:
		if f.ReceiverID <= 0 {
			return fmt.Errorf("%w: receiver_id is required", ErrInvalidFrame)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidFrame)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
}

// Deliver builds the frame pushed to a message's recipient.
func Deliver(id string, senderID int64, content string, at time.Time) Frame {
	ts := at.UTC()
	return Frame{Type: TypeMessage, MessageID: id, SenderID: senderID, Content: content, Timestamp: &ts}
}

// Ack builds the sender acknowledgement for ref.
func Ack(ref, messageID, status, reason string) Frame {
	return Frame{Type: TypeAck, Ref: ref, MessageID: messageID, Status: status, Error: reason}
}

// Pong is the reply to a client ping.
func Pong() Frame { return Frame{Type: TypePong} }

// CloseReason says why the server ended a connection.
type CloseReason string

const (
	CloseNormal           CloseReason = "normal"
	CloseSuperseded       CloseReason = "superseded"
	CloseHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseStoreUnavailable CloseReason = "store_unavailable"
	CloseTransportError   CloseReason = "transport_error"
	CloseServerShutdown   CloseReason = "server_shutdown"
)

// WebSocket close codes. 4000-4999 are reserved for applications.
const (
	CodeNormal           = 1000
	CodeGoingAway        = 1001
	CodeInternalError    = 1011
	CodeSuperseded       = 4000
	CodeHeartbeatTimeout = 4001
	CodeStoreUnavailable = 4002
)

// Code maps the reason to the WebSocket close code sent to the peer.
func (r CloseReason) Code() int {
	switch r {
	case CloseSuperseded:
		return CodeSuperseded
	case CloseHeartbeatTimeout:
		return CodeHeartbeatTimeout
	case CloseStoreUnavailable:
		return CodeStoreUnavailable
	case CloseServerShutdown:
		return CodeGoingAway
	case CloseTransportError:
		return CodeInternalError
	default:
		return CodeNormal
	}
}
