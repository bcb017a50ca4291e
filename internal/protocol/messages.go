package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/sjson"
)

// Inbound message types.
const (
	TypeRegister     = "register"
	TypeAuth         = "auth"
	TypePostEvent    = "postEvent"
	TypePostSnapshot = "postSnapshot"
	TypeFetch        = "fetch"
)

// Outbound message types.
const (
	TypeRegisterOK = "registerOK"
	TypeAuthOK     = "authOK"
	TypeExecute    = "execute"
	TypeReplace    = "replace"
	TypeFetchOK    = "fetchOK"
	TypeErr        = "err"
)

// Error codes carried by err frames.
const (
	CodeBadRequest          = 400
	CodeUnauthorized        = 401
	CodeConflict            = 409
	CodeTooManyRequests     = 429
	CodeInternalServerError = 500
)

// ErrMalformedFrame indicates that an inbound frame could not be decoded.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Envelope is the framing shared by every message on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthPayload carries the credentials presented by a connecting device.
type AuthPayload struct {
	GroupKey string `json:"groupKey"`
	ClientID string `json:"clientId"`
	Version  string `json:"version,omitempty"`
}

// FetchPayload carries the catch-up cutoff requested by a device.
type FetchPayload struct {
	Since int64 `json:"since"`
}

// RegisterOKPayload carries a freshly minted group key. Unicast only.
type RegisterOKPayload struct {
	GroupKey string `json:"groupKey"`
}

// FetchOKPayload carries the watermark a client should use as its next
// fetch cutoff.
type FetchOKPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrPayload reports a terminal rejection to the offending connection.
type ErrPayload struct {
	Code int `json:"code"`
}

// DecodeEnvelope parses an inbound frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return envelope, nil
}

// EncodeFrame marshals an outbound frame with a structured payload.
func EncodeFrame(messageType string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	return json.Marshal(Envelope{Type: messageType, Data: data})
}

// EncodeRawFrame marshals an outbound frame around an opaque payload that
// is already JSON, such as a stored event or snapshot.
func EncodeRawFrame(messageType string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Type: messageType, Data: data})
}

// StampTimestamp injects the server-assigned timestamp into an opaque
// payload. Any timestamp supplied by the client is overwritten.
func StampTimestamp(payload []byte, timestamp int64) ([]byte, error) {
	return sjson.SetBytes(payload, "timestamp", timestamp)
}
