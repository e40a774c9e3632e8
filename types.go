package peerchat

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/NeboLoop/peerchat-go-sdk/wire"
)

// Identity is an opaque positive user identifier supplied by the host
// application. Zero means "none".
type Identity int64

// Valid reports whether id can name a user.
func (id Identity) Valid() bool { return id > 0 }

func (id Identity) String() string { return strconv.FormatInt(int64(id), 10) }

// Origin records where a Message entered the timeline.
type Origin uint8

const (
	OriginHistory Origin = iota + 1
	OriginLive
	OriginOptimistic
)

func (o Origin) String() string {
	switch o {
	case OriginHistory:
		return "history"
	case OriginLive:
		return "live"
	case OriginOptimistic:
		return "optimistic"
	}
	return "unknown"
}

// LocalToken is the handle of an OPTIMISTIC placeholder.
type LocalToken = uuid.UUID

// Message is one entry in a conversation timeline. ID is zero only for an
// OPTIMISTIC placeholder that has not been acknowledged yet.
type Message struct {
	ID         int64
	SenderID   Identity
	ReceiverID Identity
	Content    string
	Timestamp  time.Time
	Origin     Origin
	Token      LocalToken // set on OPTIMISTIC placeholders only
}

// Pending reports whether m is an unacknowledged placeholder.
func (m Message) Pending() bool { return m.ID == 0 }

// Peer returns the party of m that is not local.
func (m Message) Peer(local Identity) Identity {
	if m.SenderID == local {
		return m.ReceiverID
	}
	return m.SenderID
}

func messageFromWire(w wire.MessageOut, origin Origin) Message {
	return Message{
		ID:         w.ID,
		SenderID:   Identity(w.SenderID),
		ReceiverID: Identity(w.ReceiverID),
		Content:    w.Content,
		Timestamp:  w.CreatedAt.Time,
		Origin:     origin,
	}
}

// ChannelState is the lifecycle state of a ChannelLink.
type ChannelState uint8

const (
	StateDisconnected ChannelState = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosedFinal
)

func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosedFinal:
		return "closed"
	}
	return "unknown"
}

// RoutingOutcome is what the router did with an inbound event.
type RoutingOutcome uint8

const (
	Ignored RoutingOutcome = iota
	AppendedToActive
	AppendedBackground
	Notified
)

func (o RoutingOutcome) String() string {
	switch o {
	case AppendedToActive:
		return "appended_active"
	case AppendedBackground:
		return "appended_background"
	case Notified:
		return "notified"
	}
	return "ignored"
}
