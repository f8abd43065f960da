// Package wire defines the handshake messages crossing the host/artifact
// boundary and their JSON codec.
//
// Everything arriving from the hosted context is adversarial input: Decode
// and Validate enforce the message shape (known type, correctly typed
// fields) before any payload reaches the state machine. Fields other than
// type are optional for backward tolerance; token matching happens in the
// state machine, not here.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Message types. Bare aliases without the product prefix are accepted from
// older artifact bootstraps.
const (
	TypePing  = "PROMPTCALC_PING"
	TypePong  = "PROMPTCALC_PONG"
	TypeReady = "PROMPTCALC_READY"

	AliasPing  = "PING"
	AliasPong  = "PONG"
	AliasReady = "READY"
)

// Version is the current wire protocol version.
const Version = "1"

// ErrMalformed marks messages that fail shape validation. A malformed
// message from the current attempt's context indicates a non-conforming or
// hostile artifact and is a terminal failure for the attempt.
var ErrMalformed = errors.New("malformed handshake message")

// Message is the tagged record exchanged with the hosted artifact.
type Message struct {
	Type    string `json:"type"`
	V       string `json:"v,omitempty"`
	TS      int64  `json:"ts,omitempty"`
	Token   string `json:"token,omitempty"`
	LoadID  string `json:"loadId,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}

// NewPing builds the host-to-artifact challenge for a token.
func NewPing(token string) Message {
	return Message{
		Type:  TypePing,
		V:     Version,
		TS:    time.Now().UnixMilli(),
		Token: token,
	}
}

// IsReadiness reports whether the message type signals artifact liveness.
func (m Message) IsReadiness() bool {
	switch m.Type {
	case TypeReady, TypePong, AliasReady, AliasPong:
		return true
	}
	return false
}

// Encode renders a message as JSON.
func Encode(m Message) (string, error) {
	raw, err := sonic.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode handshake message: %w", err)
	}
	return string(raw), nil
}

// Decode parses and shape-validates an inbound payload. Any failure is
// reported as ErrMalformed: non-JSON input, fields of the wrong type, or an
// unknown message type.
func Decode(raw string) (Message, error) {
	var m Message
	if err := sonic.Unmarshal([]byte(raw), &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validateType(m.Type); err != nil {
		return Message{}, err
	}
	return m, nil
}

func validateType(t string) error {
	switch t {
	case TypePing, TypePong, TypeReady, AliasPing, AliasPong, AliasReady:
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, t)
	}
}
