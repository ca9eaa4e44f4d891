// Package protocol defines the lock relay wire format: JSON text frames,
// one message per frame, routed by "type".
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeLock    = "LOCK"
	TypeUnlock  = "UNLOCK"
	TypeAck     = "ACK"
	TypeError   = "ERROR"
)

// ErrBadMessage wraps every decode or validation failure.
var ErrBadMessage = errors.New("bad message")

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Decode validates b against the schema of its type and returns one of
// *HelloMsg, *WelcomeMsg, *LockMsg, *AckMsg or *ErrorMsg.
func Decode(b []byte) (any, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := Validate(base.Type, b); err != nil {
		return nil, err
	}
	var out any
	switch base.Type {
	case TypeHello:
		out = &HelloMsg{}
	case TypeWelcome:
		out = &WelcomeMsg{}
	case TypeLock, TypeUnlock:
		out = &LockMsg{}
	case TypeAck:
		out = &AckMsg{}
	case TypeError:
		out = &ErrorMsg{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadMessage, base.Type)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadMessage, base.Type, err)
	}
	return out, nil
}
