package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// TypeConnection confirms that the server's session logic is ready.
	// A successful transport handshake alone is not a confirmation.
	TypeConnection MessageType = "connection"
	// TypeAudio carries one base64-encoded audio chunk.
	TypeAudio MessageType = "audio"
)

// StatusEstablished is the only status value a connection event carries.
const StatusEstablished = "established"

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidPayload  = errors.New("invalid message payload")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ConnectionEvent is the server's readiness confirmation.
type ConnectionEvent struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

// AudioEvent carries one encoded audio chunk to enqueue for playback.
type AudioEvent struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

// OfferRequest is the session-start request body for POST /offer.
type OfferRequest struct {
	AgentID        string `json:"agentId"`
	APIKey         string `json:"apiKey"`
	Resume         string `json:"resume"`
	JobDescription string `json:"jobDescription"`
	SDP            string `json:"sdp"`
}

// SDPMarker is the fixed literal carried in OfferRequest.SDP. It is not a
// negotiation payload at this layer.
const SDPMarker = "offer"

// OfferResponse is the success body for POST /offer.
type OfferResponse struct {
	ConversationID string `json:"conversationId"`
}

// CancelRequest is the body for POST /cancel.
type CancelRequest struct {
	AgentID string `json:"agentId"`
}

// ErrorResponse is the non-2xx body shape for /offer and /cancel.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ParseServerEvent decodes one server-pushed websocket message. Unrecognized
// types return ErrUnsupportedType so callers can ignore them without
// terminating the channel.
func ParseServerEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnection:
		var msg ConnectionEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Status != StatusEstablished {
			return nil, fmt.Errorf("%w: connection status %q", ErrInvalidPayload, msg.Status)
		}
		return msg, nil
	case TypeAudio:
		var msg AudioEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: empty audio data", ErrInvalidPayload)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseClientMessage decodes one client-sent websocket message. The only
// recognized inbound shape is a microphone audio chunk mirroring AudioEvent.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudio:
		var msg AudioEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: empty audio data", ErrInvalidPayload)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// NewConnectionEvent builds the readiness confirmation the server sends once
// its interview logic is attached to the websocket.
func NewConnectionEvent() ConnectionEvent {
	return ConnectionEvent{Type: TypeConnection, Status: StatusEstablished}
}

// NewAudioEvent wraps one base64-encoded chunk for delivery.
func NewAudioEvent(dataBase64 string) AudioEvent {
	return AudioEvent{Type: TypeAudio, Data: dataBase64}
}
