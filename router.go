package peerchat

import (
	"fmt"

	"github.com/NeboLoop/peerchat-go-sdk/frame"
)

// Routed describes what Route did with one event.
type Routed struct {
	Outcome  RoutingOutcome
	Peer     Identity // other party of a chat event
	Message  Message  // stored message for chat events
	Inserted bool     // false when the message was a duplicate
}

// Router classifies inbound events for one local identity. It owns the
// selected-peer cursor and writes chat events to the store.
type Router struct {
	local    Identity
	selected Identity
	store    *Store
	sink     *NotificationSink
}

// NewRouter creates a router for local. sink may be nil.
func NewRouter(local Identity, store *Store, sink *NotificationSink) *Router {
	return &Router{local: local, store: store, sink: sink}
}

// SetSelectedPeer changes the active conversation. Zero clears it.
// Timelines are kept; the new peer's live-merge cursor is reset.
func (r *Router) SetSelectedPeer(peer Identity) {
	r.selected = peer
	if peer.Valid() {
		r.store.BeginSelection(peer)
	}
}

// SelectedPeer returns the active peer, or zero.
func (r *Router) SelectedPeer() Identity { return r.selected }

// Route dispatches a decoded event.
func (r *Router) Route(ev frame.Event) (Routed, error) {
	switch ev.Type {
	case frame.TypeMessage:
		return r.routeChat(ev.Chat), nil

	case frame.TypeNotification:
		r.sink.Emit(Notification{
			Title:  ev.Notice.Title,
			Body:   ev.Notice.Body,
			Kind:   ev.Notice.Kind,
			PeerID: Identity(ev.Notice.RelatedUserID),
		})
		return Routed{Outcome: Notified}, nil

	case frame.TypeMessageSent, frame.TypeError:
		return Routed{Outcome: Ignored}, nil
	}
	return Routed{Outcome: Ignored}, &frame.ProtocolDecodeError{
		Type: ev.Type,
		Err:  fmt.Errorf("%w: not routable", frame.ErrUnknownType),
	}
}

func (r *Router) routeChat(c frame.Chat) Routed {
	sender, receiver := Identity(c.SenderID), Identity(c.ReceiverID)
	if sender != r.local && receiver != r.local {
		return Routed{Outcome: Ignored}
	}

	other := sender
	if sender == r.local {
		other = receiver
	}

	m := Message{
		ID:         c.MessageID,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    c.Content,
		Timestamp:  c.Timestamp,
		Origin:     OriginLive,
	}
	inserted := r.store.AppendLive(other, m)

	if r.selected.Valid() && other == r.selected {
		return Routed{Outcome: AppendedToActive, Peer: other, Message: m, Inserted: inserted}
	}

	if inserted && sender != r.local {
		r.sink.Emit(messageNotification(m))
	}
	return Routed{Outcome: AppendedBackground, Peer: other, Message: m, Inserted: inserted}
}
