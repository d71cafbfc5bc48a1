// Package envelope implements the tagged JSON objects exchanged with
// websocket clients.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/nzlov/relay/message"
)

const (
	TypeConnect   = "connect"
	TypeConnected = "connected"
	TypeMessage   = "message"
	TypeError     = "error"
)

var (
	ErrUnknownType = errors.New("unknown envelope type")

	validate = validator.New()
)

// Envelope is one of Connect, Connected, Chat or Error.
type Envelope interface {
	Type() string
	envelope()
}

// ConnectConfig is the handshake payload sent by a client.
type ConnectConfig struct {
	Channels []string `json:"channels" validate:"required,min=1,dive,required"`
}

type Connect struct {
	Config ConnectConfig `json:"config"`
}

type Connected struct {
	UserID   string   `json:"userId"`
	Channels []string `json:"channels"`
}

// Chat carries a message in either direction. Inbound chats only have
// channelId and content populated.
type Chat struct {
	Message message.Message `json:"message"`
}

type Error struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (Connect) Type() string   { return TypeConnect }
func (Connected) Type() string { return TypeConnected }
func (Chat) Type() string      { return TypeMessage }
func (Error) Type() string     { return TypeError }

func (Connect) envelope()   {}
func (Connected) envelope() {}
func (Chat) envelope()      {}
func (Error) envelope()     {}

// Decode parses a client frame into its concrete envelope.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch head.Type {
	case TypeConnect:
		var e Connect
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode connect: %w", err)
		}
		if err := validate.Struct(e.Config); err != nil {
			return nil, fmt.Errorf("invalid connect: %w", err)
		}
		return e, nil
	case TypeConnected:
		var e Connected
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode connected: %w", err)
		}
		return e, nil
	case TypeMessage:
		var e Chat
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		if e.Message.ChannelID == "" {
			return nil, errors.New("invalid message: channelId is required")
		}
		return e, nil
	case TypeError:
		var e Error
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

// Encode serializes e with its type discriminator.
func Encode(e Envelope) ([]byte, error) {
	switch v := e.(type) {
	case Connect:
		return json.Marshal(struct {
			Type string `json:"type"`
			Connect
		}{TypeConnect, v})
	case Connected:
		return json.Marshal(struct {
			Type string `json:"type"`
			Connected
		}{TypeConnected, v})
	case Chat:
		if v.Message.Metadata == nil {
			v.Message.Metadata = map[string]any{}
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			Chat
		}{TypeMessage, v})
	case Error:
		return json.Marshal(struct {
			Type string `json:"type"`
			Error
		}{TypeError, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, e)
	}
}

// MustEncode is Encode for envelopes built by the server itself.
func MustEncode(e Envelope) []byte {
	data, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return data
}
