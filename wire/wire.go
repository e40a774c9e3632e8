// Package wire defines the JSON payload types exchanged with the chat backend,
// both on the duplex channel and on the REST API.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope carries the type tag every inbound channel frame must have.
type Envelope struct {
	Type string `json:"type"`
}

// ChatPayload is the body of a "message" frame (server -> client).
// Fields are pointers so missing keys can be told apart from zero values.
type ChatPayload struct {
	MessageID  *int64  `json:"message_id"`
	SenderID   *int64  `json:"sender_id"`
	ReceiverID *int64  `json:"receiver_id"`
	Content    *string `json:"content"`
	Timestamp  *Time   `json:"timestamp"`
}

// MessageSentPayload is the body of a "message_sent" frame (server -> client).
type MessageSentPayload struct {
	MessageID *int64 `json:"message_id"`
	Status    string `json:"status"` // "delivered", "offline"
}

// NotificationPayload is the body of a "notification" frame (server -> client).
type NotificationPayload struct {
	Title            *string `json:"title"`
	Message          string  `json:"message"`
	NotificationType string  `json:"notification_type,omitempty"`
	RelatedUserID    int64   `json:"related_user_id,omitempty"`
}

// ErrorPayload is the body of an "error" frame (server -> client).
type ErrorPayload struct {
	Message string `json:"message"`
}

// SendPayload is an outbound chat frame (client -> server).
type SendPayload struct {
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// --------------------------------------------------------------------------
// REST bodies
// --------------------------------------------------------------------------

// MessageOut is a persisted message as returned by the REST API.
type MessageOut struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
	CreatedAt  Time   `json:"created_at"`
}

// ChatHistoryResponse is returned by GET /chat/history/{peer}.
type ChatHistoryResponse struct {
	Messages   []MessageOut `json:"messages"`
	TotalCount int          `json:"total_count"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
}

// MessageCreate is sent to POST /chat/send.
type MessageCreate struct {
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// UserOut is a user as returned by GET /chat/connected-users/{id}.
type UserOut struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ErrorDetail is the body of a non-2xx REST response.
type ErrorDetail struct {
	Detail string `json:"detail"`
}

// --------------------------------------------------------------------------
// Timestamps
// --------------------------------------------------------------------------

// Time accepts both RFC 3339 timestamps and the zone-less ISO 8601 form the
// backend emits. Zone-less values are taken as UTC.
type Time struct {
	time.Time
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses a backend timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("wire: unrecognised timestamp %q", s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("wire: timestamp must be a string: %w", err)
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
