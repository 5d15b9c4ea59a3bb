// Package room defines the JSON messages exchanged with the realtime data
// channel of a live tutoring room.
package room

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates data-channel messages.
type Type string

const (
	TypeTranscript      Type = "transcript"
	TypeDisplayVisual   Type = "display_visual"
	TypeSentimentUpdate Type = "sentiment_update"
	TypeTextMessage     Type = "text_message"
)

// ErrUnknownType is returned for messages whose type is not recognised.
var ErrUnknownType = errors.New("room: unknown message type")

// Message is implemented by every data-channel payload.
type Message interface {
	MessageType() Type
}

// Transcript carries one conversation turn produced elsewhere in the room.
type Transcript struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Sentiment string `json:"sentiment,omitempty"`
}

// DisplayVisual asks the client to show an auxiliary visual.
type DisplayVisual struct {
	Payload json.RawMessage `json:"payload"`
}

// SentimentUpdate reports a new student affect label.
type SentimentUpdate struct {
	Sentiment string `json:"sentiment"`
}

// TextMessage is typed student input.
type TextMessage struct {
	Text string `json:"text"`
}

func (Transcript) MessageType() Type      { return TypeTranscript }
func (DisplayVisual) MessageType() Type   { return TypeDisplayVisual }
func (SentimentUpdate) MessageType() Type { return TypeSentimentUpdate }
func (TextMessage) MessageType() Type     { return TypeTextMessage }

type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a data-channel payload into its concrete message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode room message: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeTranscript:
		var m Transcript
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeDisplayVisual:
		var m DisplayVisual
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeSentimentUpdate:
		var m SentimentUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeTextMessage:
		var m TextMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return msg, nil
}

// Encode serialises msg with its type discriminator.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("room: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	typ, _ := json.Marshal(msg.MessageType())
	fields["type"] = typ
	return json.Marshal(fields)
}
