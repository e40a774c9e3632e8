// Package frame implements the JSON event codec for the chat channel.
//
// Every inbound frame is a JSON object with a required "type" tag:
//
//	message       sender_id, receiver_id, content, message_id, timestamp
//	message_sent  message_id, status
//	notification  title, message
//	error         message
//
// Outbound frames are {receiver_id, content}.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NeboLoop/peerchat-go-sdk/wire"
)

const MaxPayloadLen = 64 * 1024 // 64 KB hard limit

// Frame types.
const (
	TypeMessage      = "message"
	TypeMessageSent  = "message_sent"
	TypeNotification = "notification"
	TypeError        = "error"
)

var (
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum size")
	ErrUnknownType     = errors.New("frame: unknown frame type")
	ErrMissingField    = errors.New("frame: missing required field")
	ErrInvalidField    = errors.New("frame: invalid field")
	ErrEmptyContent    = errors.New("frame: content is empty")
)

// ProtocolDecodeError reports a malformed inbound frame. The frame is dropped;
// the session carries on.
type ProtocolDecodeError struct {
	Type  string // frame type, empty if it could not be read
	Field string // offending field, if any
	Err   error
}

func (e *ProtocolDecodeError) Error() string {
	var b strings.Builder
	b.WriteString("decode frame")
	if e.Type != "" {
		b.WriteString(" " + e.Type)
	}
	if e.Field != "" {
		b.WriteString(" field " + e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ProtocolDecodeError) Unwrap() error { return e.Err }

// Chat is a decoded "message" frame.
type Chat struct {
	MessageID  int64
	SenderID   int64
	ReceiverID int64
	Content    string
	Timestamp  time.Time
}

// Ack is a decoded "message_sent" frame.
type Ack struct {
	MessageID int64
	Status    string
}

// Notice is a decoded "notification" frame.
type Notice struct {
	Title         string
	Body          string
	Kind          string
	RelatedUserID int64
}

// Event is one decoded inbound frame. Only the member matching Type is set.
type Event struct {
	Type   string
	Chat   Chat
	Ack    Ack
	Notice Notice
	Error  string
}

// Decode parses and validates one inbound text frame.
func Decode(data []byte) (Event, error) {
	if len(data) > MaxPayloadLen {
		return Event{}, &ProtocolDecodeError{Err: ErrPayloadTooLarge}
	}

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, &ProtocolDecodeError{Err: err}
	}

	ev := Event{Type: env.Type}
	switch env.Type {
	case TypeMessage:
		chat, err := decodeChat(data)
		if err != nil {
			return Event{}, err
		}
		ev.Chat = chat

	case TypeMessageSent:
		var p wire.MessageSentPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, &ProtocolDecodeError{Type: env.Type, Err: err}
		}
		if p.MessageID == nil {
			return Event{}, missing(env.Type, "message_id")
		}
		ev.Ack = Ack{MessageID: *p.MessageID, Status: p.Status}

	case TypeNotification:
		var p wire.NotificationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, &ProtocolDecodeError{Type: env.Type, Err: err}
		}
		if p.Title == nil {
			return Event{}, missing(env.Type, "title")
		}
		ev.Notice = Notice{
			Title:         *p.Title,
			Body:          p.Message,
			Kind:          p.NotificationType,
			RelatedUserID: p.RelatedUserID,
		}

	case TypeError:
		var p wire.ErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, &ProtocolDecodeError{Type: env.Type, Err: err}
		}
		ev.Error = p.Message

	case "":
		return Event{}, missing("", "type")

	default:
		return Event{}, &ProtocolDecodeError{Type: env.Type, Err: ErrUnknownType}
	}

	return ev, nil
}

func decodeChat(data []byte) (Chat, error) {
	var p wire.ChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Chat{}, &ProtocolDecodeError{Type: TypeMessage, Err: err}
	}
	switch {
	case p.SenderID == nil:
		return Chat{}, missing(TypeMessage, "sender_id")
	case p.ReceiverID == nil:
		return Chat{}, missing(TypeMessage, "receiver_id")
	case p.Content == nil:
		return Chat{}, missing(TypeMessage, "content")
	case p.MessageID == nil:
		return Chat{}, missing(TypeMessage, "message_id")
	case p.Timestamp == nil || p.Timestamp.IsZero():
		return Chat{}, missing(TypeMessage, "timestamp")
	}
	if *p.SenderID <= 0 {
		return Chat{}, invalid(TypeMessage, "sender_id")
	}
	if *p.ReceiverID <= 0 {
		return Chat{}, invalid(TypeMessage, "receiver_id")
	}
	if *p.MessageID <= 0 {
		return Chat{}, invalid(TypeMessage, "message_id")
	}
	if strings.TrimSpace(*p.Content) == "" {
		return Chat{}, &ProtocolDecodeError{Type: TypeMessage, Field: "content", Err: ErrEmptyContent}
	}
	return Chat{
		MessageID:  *p.MessageID,
		SenderID:   *p.SenderID,
		ReceiverID: *p.ReceiverID,
		Content:    *p.Content,
		Timestamp:  p.Timestamp.Time,
	}, nil
}

// EncodeSend serialises an outbound chat frame. Content is trimmed and must
// not be empty.
func EncodeSend(receiverID int64, content string) ([]byte, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	out, err := json.Marshal(wire.SendPayload{ReceiverID: receiverID, Content: content})
	if err != nil {
		return nil, fmt.Errorf("frame: encode send: %w", err)
	}
	if len(out) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	return out, nil
}

func missing(typ, field string) error {
	return &ProtocolDecodeError{Type: typ, Field: field, Err: ErrMissingField}
}

func invalid(typ, field string) error {
	return &ProtocolDecodeError{Type: typ, Field: field, Err: ErrInvalidField}
}
