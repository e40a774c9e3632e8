package peerchat

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store holds one ordered, deduplicated timeline per peer. Timelines merge
// three producers: history snapshots, live channel events and optimistic
// local sends. Messages are ordered by Timestamp with ties kept in arrival
// order, and no two entries share a non-zero ID.
//
// Store is not safe for concurrent use; the session's event loop owns it.
type Store struct {
	convs   map[Identity]*conversation
	pending map[LocalToken]pendingRef
	seq     uint64

	now      func() time.Time
	newToken func() LocalToken
}

type conversation struct {
	msgs []Message
	// live is set by any live append since the peer was last selected.
	// A history snapshot never overwrites such a timeline.
	live bool
}

type pendingRef struct {
	peer Identity
	seq  uint64
	path SendPath
}

// SendPath is the transport an optimistic send went out on.
type SendPath uint8

const (
	SendChannel SendPath = iota + 1
	SendHTTP
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		convs:    make(map[Identity]*conversation),
		pending:  make(map[LocalToken]pendingRef),
		now:      time.Now,
		newToken: uuid.New,
	}
}

func (s *Store) conv(peer Identity) *conversation {
	c, ok := s.convs[peer]
	if !ok {
		c = &conversation{}
		s.convs[peer] = c
	}
	return c
}

// BeginSelection marks the start of a selection of peer and resets its
// live-merge cursor.
func (s *Store) BeginSelection(peer Identity) {
	s.conv(peer).live = false
}

// LiveSinceSelection reports whether peer took a live append since it was
// last selected.
func (s *Store) LiveSinceSelection(peer Identity) bool {
	c, ok := s.convs[peer]
	return ok && c.live
}

// ReplaceHistory overwrites the timeline of peer with a history snapshot.
// It is a no-op, returning false, if peer has taken a live append since its
// selection began: the snapshot may be older than what is already shown.
// Unacknowledged placeholders are carried over.
func (s *Store) ReplaceHistory(peer Identity, history []Message) bool {
	c := s.conv(peer)
	if c.live {
		return false
	}

	msgs := make([]Message, 0, len(history)+len(s.pending))
	seen := make(map[int64]struct{}, len(history))
	for _, m := range history {
		if m.ID != 0 {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		m.Origin = OriginHistory
		m.Token = LocalToken{}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	for _, m := range c.msgs {
		if m.Origin == OriginOptimistic {
			msgs = insertSorted(msgs, m)
		}
	}
	c.msgs = msgs
	return true
}

// AppendLive inserts a server-acknowledged message. It returns false and
// leaves the timeline untouched if a message with the same ID is present.
func (s *Store) AppendLive(peer Identity, m Message) bool {
	c := s.conv(peer)
	if m.ID != 0 && indexOfID(c.msgs, m.ID) >= 0 {
		return false
	}
	if m.Origin == 0 || m.Origin == OriginOptimistic {
		m.Origin = OriginLive
	}
	m.Token = LocalToken{}
	c.msgs = insertSorted(c.msgs, m)
	c.live = true
	return true
}

// AppendOptimistic inserts a placeholder for a local send of content from
// local to peer over path and returns its token.
func (s *Store) AppendOptimistic(local, peer Identity, content string, path SendPath) (LocalToken, Message) {
	token := s.newToken()
	m := Message{
		SenderID:   local,
		ReceiverID: peer,
		Content:    strings.TrimSpace(content),
		Timestamp:  s.now(),
		Origin:     OriginOptimistic,
		Token:      token,
	}
	c := s.conv(peer)
	c.msgs = insertSorted(c.msgs, m)
	s.seq++
	s.pending[token] = pendingRef{peer: peer, seq: s.seq, path: path}
	return token, m
}

// ReconcileOptimistic replaces the placeholder for token with the confirmed
// message. When the confirmed ID is already in the timeline (a live echo got
// there first) the placeholder is dropped instead. It returns false if token
// is unknown.
func (s *Store) ReconcileOptimistic(token LocalToken, confirmed Message) bool {
	ref, ok := s.pending[token]
	if !ok {
		return false
	}
	delete(s.pending, token)

	c := s.conv(ref.peer)
	if i := indexOfToken(c.msgs, token); i >= 0 {
		c.msgs = slices.Delete(c.msgs, i, i+1)
	}
	if confirmed.ID != 0 && indexOfID(c.msgs, confirmed.ID) >= 0 {
		return true
	}
	if confirmed.Origin == 0 || confirmed.Origin == OriginOptimistic {
		confirmed.Origin = OriginLive
	}
	confirmed.Token = LocalToken{}
	c.msgs = insertSorted(c.msgs, confirmed)
	c.live = true
	return true
}

// FindOptimistic returns the first placeholder to peer whose content matches.
func (s *Store) FindOptimistic(peer Identity, content string) (LocalToken, bool) {
	c, ok := s.convs[peer]
	if !ok {
		return LocalToken{}, false
	}
	content = strings.TrimSpace(content)
	for _, m := range c.msgs {
		if m.Origin == OriginOptimistic && m.Content == content {
			return m.Token, true
		}
	}
	return LocalToken{}, false
}

// OldestPending returns the token of the earliest outstanding placeholder
// sent over path, across all peers.
func (s *Store) OldestPending(path SendPath) (LocalToken, bool) {
	var (
		best  LocalToken
		bestN uint64
		found bool
	)
	for token, ref := range s.pending {
		if ref.path != path {
			continue
		}
		if !found || ref.seq < bestN {
			best, bestN, found = token, ref.seq, true
		}
	}
	return best, found
}

// Withdraw removes a placeholder that will never be acknowledged.
func (s *Store) Withdraw(token LocalToken) (Message, bool) {
	ref, ok := s.pending[token]
	if !ok {
		return Message{}, false
	}
	delete(s.pending, token)
	c := s.conv(ref.peer)
	i := indexOfToken(c.msgs, token)
	if i < 0 {
		return Message{}, false
	}
	m := c.msgs[i]
	c.msgs = slices.Delete(c.msgs, i, i+1)
	return m, true
}

// PendingCount returns the number of outstanding placeholders.
func (s *Store) PendingCount() int { return len(s.pending) }

// Timeline returns a snapshot of the timeline of peer.
func (s *Store) Timeline(peer Identity) []Message {
	c, ok := s.convs[peer]
	if !ok {
		s.conv(peer)
		return []Message{}
	}
	return slices.Clone(c.msgs)
}

// Peers returns every peer with a timeline, in ascending order.
func (s *Store) Peers() []Identity {
	out := make([]Identity, 0, len(s.convs))
	for p := range s.convs {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// insertSorted places m after every entry whose timestamp is not later.
func insertSorted(msgs []Message, m Message) []Message {
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].Timestamp.After(m.Timestamp)
	})
	return slices.Insert(msgs, i, m)
}

func indexOfID(msgs []Message, id int64) int {
	return slices.IndexFunc(msgs, func(m Message) bool { return m.ID == id })
}

func indexOfToken(msgs []Message, token LocalToken) int {
	return slices.IndexFunc(msgs, func(m Message) bool {
		return m.Origin == OriginOptimistic && m.Token == token
	})
}
