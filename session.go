// Package peerchat is the session layer of a two-party chat client. A
// Session keeps one channel to the backend open for the local user, merges
// live events, history snapshots and optimistic sends into per-peer
// timelines, and routes everything else to a notification sink.
package peerchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/NeboLoop/peerchat-go-sdk/frame"
)

// Hooks are callbacks for the UI. They run in event order on a goroutine
// owned by the session, never on its event loop, so a hook may query the
// Session or send. Hooks must not call Stop.
type Hooks struct {
	// OnState reports every channel state transition.
	OnState func(ChannelState)
	// OnMessage reports a timeline change caused by a single message:
	// an optimistic send, a live event or a confirmed fallback send.
	OnMessage func(peer Identity, m Message, outcome RoutingOutcome)
	// OnTimeline reports a timeline replaced by a history load or changed by
	// a withdrawn placeholder.
	OnTimeline func(peer Identity, timeline []Message)
	// OnAck reports a message_sent acknowledgement.
	OnAck func(messageID int64, status string)
	// OnError reports errors meant for the user: history failures, server
	// error frames and malformed frames.
	OnError func(err error)
}

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option { return func(s *Session) { s.dialer = d } }

// WithHistory replaces the history collaborator.
func WithHistory(h HistoryFetcher) Option { return func(s *Session) { s.history = h } }

// WithFallback replaces the HTTP send collaborator.
func WithFallback(f FallbackSender) Option { return func(s *Session) { s.fallback = f } }

// WithNotifier routes notifications to n when perm grants it.
func WithNotifier(n Notifier, perm PermissionSource) Option {
	return func(s *Session) {
		s.notifier = n
		s.perm = perm
	}
}

// WithHooks sets the UI callbacks.
func WithHooks(h Hooks) Option { return func(s *Session) { s.hooks = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.log = l } }

func withScheduler(after afterFunc) Option { return func(s *Session) { s.after = after } }

// Session is the chat session manager for one local identity at a time.
// Its methods are safe for concurrent use.
type Session struct {
	cfg      Config
	dialer   Dialer
	history  HistoryFetcher
	fallback FallbackSender
	notifier Notifier
	perm     PermissionSource
	hooks    Hooks
	log      *slog.Logger
	after    afterFunc

	mu  sync.Mutex
	act *active
}

// active is the state of one Start..Stop span. Everything but the loop
// itself is owned by the loop goroutine.
type active struct {
	s      *Session
	local  Identity
	loop   *eventLoop
	ctx    context.Context
	cancel context.CancelFunc

	hooks  *hookQueue
	link   *ChannelLink
	router *Router
	store  *Store
}

// NewSession creates a stopped session. Unless overridden by options, the
// history and fallback collaborators are an APIClient built from cfg.
func NewSession(cfg Config, opts ...Option) *Session {
	s := &Session{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.history == nil || s.fallback == nil {
		api := NewAPIClient(s.cfg)
		if s.history == nil {
			s.history = api
		}
		if s.fallback == nil {
			s.fallback = api
		}
	}
	return s
}

// Start opens the channel for local. Starting again with the same identity
// is a no-op; a different identity fails with ErrAlreadyStarted.
func (s *Session) Start(local Identity) error {
	if !local.Valid() {
		return ErrInvalidIdentity
	}

	s.mu.Lock()
	if s.act != nil {
		cur := s.act.local
		s.mu.Unlock()
		if cur == local {
			return nil
		}
		return fmt.Errorf("%w for user %d", ErrAlreadyStarted, cur)
	}

	log := s.log.With("user_id", local)
	a := &active{s: s, local: local, loop: newEventLoop(), hooks: newHookQueue()}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.store = NewStore()
	a.router = NewRouter(local, a.store, NewNotificationSink(s.perm, s.notifier, log))
	a.link = newChannelLink(s.cfg, linkOptions{
		dialer:  s.dialer,
		post:    a.loop.post,
		after:   s.after,
		onEvent: a.linkEvent,
		onState: a.emitState,
		logger:  log,
	})
	// Publish the span before the dial so hooks fired by Open can see it.
	s.act = a
	s.mu.Unlock()

	err := ErrNotStarted
	a.loop.call(func() { err = a.link.Open(local) })
	if err != nil {
		s.mu.Lock()
		if s.act == a {
			s.act = nil
		}
		s.mu.Unlock()
		a.shutdown()
		return err
	}
	log.Info("session started")
	return nil
}

// Stop closes the channel and discards the session's timelines. It is
// idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	a := s.act
	s.act = nil
	s.mu.Unlock()
	if a == nil {
		return
	}

	a.loop.call(func() { a.link.Close("session stopped") })
	a.shutdown()
	s.log.Info("session stopped", "user_id", a.local)
}

// shutdown stops the span's loop and waits for its pending hooks.
func (a *active) shutdown() {
	a.cancel()
	a.loop.stop()
	a.hooks.close()
}

// exec runs fn on the loop of the current span.
func (s *Session) exec(fn func(a *active) error) error {
	s.mu.Lock()
	a := s.act
	s.mu.Unlock()
	if a == nil {
		return ErrNotStarted
	}
	var err error
	if !a.loop.call(func() { err = fn(a) }) {
		return ErrNotStarted
	}
	return err
}

// LocalIdentity returns the identity the session was started for, or zero.
func (s *Session) LocalIdentity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.act == nil {
		return 0
	}
	return s.act.local
}

// State returns the channel state. A stopped session reports CLOSED_FINAL.
func (s *Session) State() ChannelState {
	state := StateClosedFinal
	_ = s.exec(func(a *active) error {
		state = a.link.State()
		return nil
	})
	return state
}

// SelectedPeer returns the active peer, or zero.
func (s *Session) SelectedPeer() Identity {
	var peer Identity
	_ = s.exec(func(a *active) error {
		peer = a.router.SelectedPeer()
		return nil
	})
	return peer
}

// SelectPeer makes peer the active conversation and loads its history in the
// background. Zero clears the selection.
func (s *Session) SelectPeer(peer Identity) error {
	if peer < 0 {
		return ErrInvalidIdentity
	}
	return s.exec(func(a *active) error {
		if peer == a.local {
			return fmt.Errorf("%w: cannot chat with yourself", ErrInvalidIdentity)
		}
		a.router.SetSelectedPeer(peer)
		if peer.Valid() {
			a.fetchHistory(peer)
		}
		return nil
	})
}

// ReloadHistory fetches the selected peer's history again.
func (s *Session) ReloadHistory() error {
	return s.exec(func(a *active) error {
		peer := a.router.SelectedPeer()
		if !peer.Valid() {
			return invalidState("no peer selected")
		}
		a.store.BeginSelection(peer)
		a.fetchHistory(peer)
		return nil
	})
}

// Timeline returns a snapshot of the conversation with peer.
func (s *Session) Timeline(peer Identity) []Message {
	var out []Message
	_ = s.exec(func(a *active) error {
		out = a.store.Timeline(peer)
		return nil
	})
	return out
}

// Peers returns every peer with a timeline in this session.
func (s *Session) Peers() []Identity {
	var out []Identity
	_ = s.exec(func(a *active) error {
		out = a.store.Peers()
		return nil
	})
	return out
}

// SendToSelected sends content to the selected peer over the channel and
// returns the optimistic placeholder. It fails with ErrInvalidState when the
// content is blank, no peer is selected or the channel is not OPEN; the
// caller should then use SendViaHTTP.
func (s *Session) SendToSelected(content string) (Message, error) {
	var out Message
	err := s.exec(func(a *active) error {
		content = strings.TrimSpace(content)
		if content == "" {
			return invalidState("empty content")
		}
		peer := a.router.SelectedPeer()
		if !peer.Valid() {
			return invalidState("no peer selected")
		}
		if a.link.State() != StateOpen {
			return invalidState("channel " + a.link.State().String())
		}
		payload, err := frame.EncodeSend(int64(peer), content)
		if err != nil {
			return err
		}

		token, m := a.store.AppendOptimistic(a.local, peer, content, SendChannel)
		if err := a.link.Send(payload); err != nil {
			a.store.Withdraw(token)
			if errors.Is(err, ErrNotConnected) {
				return invalidState("channel not open")
			}
			return err
		}
		a.emitMessage(peer, m, AppendedToActive)
		out = m
		return nil
	})
	return out, err
}

// SendViaHTTP sends content to the selected peer through the fallback API.
// A placeholder is shown while the request is in flight and replaced by the
// persisted message, or withdrawn if the request fails. It blocks for the
// request, not the event loop.
func (s *Session) SendViaHTTP(ctx context.Context, content string) (Message, error) {
	var (
		local, peer Identity
		token       LocalToken
	)
	err := s.exec(func(a *active) error {
		content = strings.TrimSpace(content)
		if content == "" {
			return invalidState("empty content")
		}
		peer = a.router.SelectedPeer()
		if !peer.Valid() {
			return invalidState("no peer selected")
		}
		local = a.local
		var m Message
		token, m = a.store.AppendOptimistic(local, peer, content, SendHTTP)
		a.emitMessage(peer, m, AppendedToActive)
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	confirmed, sendErr := s.fallback.SendMessage(ctx, local, peer, content)

	err = s.exec(func(a *active) error {
		if a.local != local {
			return ErrNotStarted
		}
		if sendErr != nil {
			if _, ok := a.store.Withdraw(token); ok {
				a.emitTimeline(peer, a.store.Timeline(peer))
			}
			return nil
		}
		if !a.store.ReconcileOptimistic(token, confirmed) {
			// The channel echo reconciled the placeholder first.
			if !a.store.AppendLive(peer, confirmed) {
				return nil
			}
		}
		a.emitMessage(peer, confirmed, a.outcomeFor(peer))
		return nil
	})
	if sendErr != nil {
		return Message{}, fmt.Errorf("send via http: %w", sendErr)
	}
	if err != nil {
		return Message{}, err
	}
	return confirmed, nil
}

// OnChannelInbound decodes and dispatches one raw channel frame. Frames read
// from the link go through the same path.
func (s *Session) OnChannelInbound(raw []byte) (Routed, error) {
	var (
		out    Routed
		decErr error
	)
	err := s.exec(func(a *active) error {
		out, decErr = a.inbound(raw)
		return nil
	})
	if err != nil {
		return Routed{}, err
	}
	return out, decErr
}

// --- Loop side ---

func (a *active) linkEvent(ev LinkEvent) {
	switch ev.Kind {
	case EventInbound:
		_, _ = a.inbound(ev.Payload)
	case EventOpened:
		a.s.log.Debug("channel open", "user_id", a.local)
	case EventClosed:
		a.s.log.Debug("channel closed", "user_id", a.local, "code", ev.Code, "reason", ev.Reason)
	case EventError:
		// Transport errors drive the reconnect loop; the state hook is how the
		// UI learns about them.
		a.s.log.Debug("channel error", "user_id", a.local, "error", ev.Err)
	}
}

func (a *active) inbound(raw []byte) (Routed, error) {
	ev, err := frame.Decode(raw)
	if err != nil {
		a.s.log.Warn("dropping malformed frame", "user_id", a.local, "error", err)
		a.emitError(err)
		return Routed{}, err
	}

	switch ev.Type {
	case frame.TypeError:
		a.serverError(ev.Error)
		return Routed{Outcome: Ignored}, nil
	case frame.TypeMessageSent:
		a.emitAck(ev.Ack.MessageID, ev.Ack.Status)
		return Routed{Outcome: Ignored}, nil
	}

	routed, err := a.router.Route(ev)
	if err != nil {
		a.s.log.Warn("unroutable frame", "user_id", a.local, "error", err)
		a.emitError(err)
		return routed, err
	}
	if !routed.Inserted {
		// Ignored, notified, or a redelivery of a message we already hold.
		return routed, nil
	}
	if routed.Message.SenderID == a.local {
		// Our own echo: retire the placeholder it confirms.
		if token, ok := a.store.FindOptimistic(routed.Peer, routed.Message.Content); ok {
			a.store.ReconcileOptimistic(token, routed.Message)
		}
	}
	a.emitMessage(routed.Peer, routed.Message, routed.Outcome)
	return routed, nil
}

// serverError handles an error frame. The backend processes a connection's
// frames in order, so the rejected send is the oldest channel send still
// pending. HTTP sends learn of their failures from the response.
func (a *active) serverError(msg string) {
	if token, ok := a.store.OldestPending(SendChannel); ok {
		if m, ok := a.store.Withdraw(token); ok {
			a.emitTimeline(m.ReceiverID, a.store.Timeline(m.ReceiverID))
		}
	}
	a.s.log.Warn("server error", "user_id", a.local, "message", msg)
	a.emitError(&ServerError{Message: msg})
}

func (a *active) fetchHistory(peer Identity) {
	req := HistoryRequest{Local: a.local, Peer: peer, Limit: a.s.cfg.HistoryLimit}
	ctx, timeout := a.ctx, a.s.cfg.HTTPTimeout
	history, post := a.s.history, a.loop.post

	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		msgs, err := history.History(ctx, req)
		cancel()
		post(func() { a.historyLoaded(peer, msgs, err) })
	}()
}

// historyLoaded applies a finished fetch. A response for a peer that is no
// longer selected is stale: its errors are dropped, and its snapshot is
// applied only if that timeline took no live messages since its selection.
func (a *active) historyLoaded(peer Identity, msgs []Message, err error) {
	stale := a.router.SelectedPeer() != peer
	if err != nil {
		if stale || errors.Is(err, context.Canceled) {
			a.s.log.Debug("discarding failed history fetch", "user_id", a.local, "peer", peer, "error", err)
			return
		}
		a.emitError(fmt.Errorf("load history with %d: %w", peer, err))
		return
	}

	if !a.store.ReplaceHistory(peer, msgs) {
		a.s.log.Debug("history snapshot skipped, timeline has live messages",
			"user_id", a.local, "peer", peer, "stale", stale)
		return
	}
	if stale {
		a.s.log.Debug("applied history for unselected peer", "user_id", a.local, "peer", peer)
		return
	}
	a.emitTimeline(peer, a.store.Timeline(peer))
}

func (a *active) outcomeFor(peer Identity) RoutingOutcome {
	if a.router.SelectedPeer() == peer {
		return AppendedToActive
	}
	return AppendedBackground
}

func (a *active) emitState(state ChannelState) {
	if fn := a.s.hooks.OnState; fn != nil {
		a.hooks.push(func() { fn(state) })
	}
}

func (a *active) emitMessage(peer Identity, m Message, outcome RoutingOutcome) {
	if fn := a.s.hooks.OnMessage; fn != nil {
		a.hooks.push(func() { fn(peer, m, outcome) })
	}
}

// emitTimeline expects a snapshot, as returned by Store.Timeline.
func (a *active) emitTimeline(peer Identity, timeline []Message) {
	if fn := a.s.hooks.OnTimeline; fn != nil {
		a.hooks.push(func() { fn(peer, timeline) })
	}
}

func (a *active) emitAck(id int64, status string) {
	if fn := a.s.hooks.OnAck; fn != nil {
		a.hooks.push(func() { fn(id, status) })
	}
}

func (a *active) emitError(err error) {
	if fn := a.s.hooks.OnError; fn != nil {
		a.hooks.push(func() { fn(err) })
	}
}
