package collab

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// relay wire protocol. the native frames are binary: one kind byte followed
// by the payload. relays running in json mode send the same messages as
// utf-8 text envelopes, with binary payloads spelled as arrays of bytes.
// the decoder accepts both shapes, binary first.

type MessageType string

const (
	MessageSyncStep1           MessageType = "sync-step-1"
	MessageSyncStep2           MessageType = "sync-step-2"
	MessageUpdate              MessageType = "update"
	MessageAwareness           MessageType = "awareness"
	MessagePing                MessageType = "ping"
	MessagePong                MessageType = "pong"
	MessageAiInteractionUpdate MessageType = "ai-interaction-update"
	MessageUserJoined          MessageType = "user-joined"
	MessageUserLeft            MessageType = "user-left"
)

const (
	frameKindSyncStep1 byte = 1
	frameKindSyncStep2 byte = 2
	frameKindUpdate    byte = 3
	frameKindAwareness byte = 4
	frameKindPing      byte = 5
	frameKindPong      byte = 6
)

// byte payload that marshals as a json number array and unmarshals from
// either a number array or a base64 string
type ByteArray []byte

func (self ByteArray) MarshalJSON() ([]byte, error) {
	if self == nil {
		return []byte("null"), nil
	}
	values := make([]int, len(self))
	for i, b := range self {
		values[i] = int(b)
	}
	return json.Marshal(values)
}

func (self *ByteArray) UnmarshalJSON(src []byte) error {
	src = bytes.TrimSpace(src)
	if bytes.Equal(src, []byte("null")) {
		*self = nil
		return nil
	}
	if 0 < len(src) && src[0] == '[' {
		var values []int
		if err := json.Unmarshal(src, &values); err != nil {
			return err
		}
		out := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || 255 < v {
				return fmt.Errorf("byte out of range: %d", v)
			}
			out[i] = byte(v)
		}
		*self = out
		return nil
	}
	var encoded string
	if err := json.Unmarshal(src, &encoded); err != nil {
		return err
	}
	out, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	*self = out
	return nil
}

// one wire message. exactly one payload field is meaningful per type,
// switch on Type at the receive boundary and ignore unknown types.
type Message struct {
	Type        MessageType    `json:"type"`
	StateVector ByteArray      `json:"stateVector,omitempty"`
	Update      ByteArray      `json:"update,omitempty"`
	Awareness   ByteArray      `json:"awareness,omitempty"`
	UserId      string         `json:"userId,omitempty"`
	UserEmail   string         `json:"userEmail,omitempty"`
	Timestamp   int64          `json:"timestamp,omitempty"`
	Interaction *AiInteraction `json:"interaction,omitempty"`
}

// binary frames for the payload-carrying kinds,
// json text for application messages
func EncodeFrame(message *Message) ([]byte, bool, error) {
	switch message.Type {
	case MessageSyncStep1:
		return append([]byte{frameKindSyncStep1}, message.StateVector...), true, nil
	case MessageSyncStep2:
		return append([]byte{frameKindSyncStep2}, message.Update...), true, nil
	case MessageUpdate:
		return append([]byte{frameKindUpdate}, message.Update...), true, nil
	case MessageAwareness:
		return append([]byte{frameKindAwareness}, message.Awareness...), true, nil
	case MessagePing:
		return []byte{frameKindPing}, true, nil
	case MessagePong:
		return []byte{frameKindPong}, true, nil
	default:
		b, err := json.Marshal(message)
		return b, false, err
	}
}

// binary decode first, then utf-8 json. a payload that is neither is an
// error for the caller to log and drop, never to raise.
func DecodeFrame(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch data[0] {
	case frameKindSyncStep1:
		return &Message{Type: MessageSyncStep1, StateVector: ByteArray(data[1:])}, nil
	case frameKindSyncStep2:
		return &Message{Type: MessageSyncStep2, Update: ByteArray(data[1:])}, nil
	case frameKindUpdate:
		return &Message{Type: MessageUpdate, Update: ByteArray(data[1:])}, nil
	case frameKindAwareness:
		return &Message{Type: MessageAwareness, Awareness: ByteArray(data[1:])}, nil
	case frameKindPing:
		return &Message{Type: MessagePing}, nil
	case frameKindPong:
		return &Message{Type: MessagePong}, nil
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("frame is neither binary nor utf-8 text")
	}
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, fmt.Errorf("text frame missing type")
	}
	return &message, nil
}
