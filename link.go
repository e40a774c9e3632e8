package peerchat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// LinkEventKind tags a LinkEvent.
type LinkEventKind uint8

const (
	EventOpened LinkEventKind = iota + 1
	EventClosed
	EventError
	EventInbound
)

// LinkEvent is delivered by a ChannelLink on its owner's event loop.
type LinkEvent struct {
	Kind    LinkEventKind
	Code    int    // EventClosed
	Reason  string // EventClosed
	Err     error  // EventError
	Payload []byte // EventInbound
}

var errSendBufferFull = errors.New("send buffer full")

// afterFunc schedules f after d and returns a stop function.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfter(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ChannelLink owns the duplex connection for one local identity and keeps it
// up: an unexpected close schedules a single reconnect attempt. Every dial
// gets a new generation and anything reported by an older generation is
// dropped, so one ChannelLink never has two live connections.
//
// All methods and callbacks run on the owner's event loop; transport
// goroutines reach the link only through post.
type ChannelLink struct {
	cfg     Config
	dialer  Dialer
	post    func(func()) bool
	after   afterFunc
	backoff backoff.BackOff
	onEvent func(LinkEvent)
	onState func(ChannelState)
	log     *slog.Logger

	identity   Identity
	state      ChannelState
	gen        uint64
	cur        *liveConn
	cancelDial context.CancelFunc
	stopTimer  func() bool
}

// liveConn is one OPEN connection with its writer goroutine.
type liveConn struct {
	conn   Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func (lc *liveConn) shutdown(code int, reason string) {
	lc.once.Do(func() {
		close(lc.done)
		_ = lc.conn.CloseWith(code, reason)
	})
}

// release drops a connection that is already gone. 1006 is never sent, and
// a server close has been answered by the reader.
func (lc *liveConn) release() {
	lc.once.Do(func() {
		close(lc.done)
		_ = lc.conn.Close()
	})
}

type linkOptions struct {
	dialer  Dialer
	post    func(func()) bool
	after   afterFunc
	onEvent func(LinkEvent)
	onState func(ChannelState)
	logger  *slog.Logger
}

func newChannelLink(cfg Config, o linkOptions) *ChannelLink {
	if o.after == nil {
		o.after = timeAfter
	}
	if o.dialer == nil {
		o.dialer = WSDialer{Timeout: cfg.DialTimeout}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.onEvent == nil {
		o.onEvent = func(LinkEvent) {}
	}
	return &ChannelLink{
		cfg:     cfg,
		dialer:  o.dialer,
		post:    o.post,
		after:   o.after,
		backoff: reconnectPolicy(cfg),
		onEvent: o.onEvent,
		onState: o.onState,
		log:     o.logger.With("component", "link"),
	}
}

// reconnectPolicy returns capped exponential backoff starting at
// ReconnectDelay, or a constant ReconnectDelay when ReconnectFixed is set.
func reconnectPolicy(cfg Config) backoff.BackOff {
	if cfg.ReconnectFixed {
		return backoff.NewConstantBackOff(cfg.ReconnectDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectDelay
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// State returns the current state.
func (l *ChannelLink) State() ChannelState { return l.state }

// Open connects the link for identity, cancelling any pending reconnect.
func (l *ChannelLink) Open(identity Identity) error {
	if l.state == StateClosedFinal {
		return ErrLinkClosed
	}
	if !identity.Valid() {
		return ErrInvalidIdentity
	}
	if identity == l.identity && (l.state == StateOpen || l.state == StateConnecting) {
		return nil
	}
	l.cancelTimer()
	l.dropConn(CloseNormal, "reopening")
	l.identity = identity
	l.backoff.Reset()
	l.connect()
	return nil
}

// Send queues payload for the writer. It fails with ErrNotConnected unless
// the link is OPEN.
func (l *ChannelLink) Send(payload []byte) error {
	if l.state != StateOpen || l.cur == nil {
		return ErrNotConnected
	}
	select {
	case l.cur.sendCh <- payload:
		return nil
	default:
		return &TransportError{Op: "write", Err: errSendBufferFull}
	}
}

// Close shuts the link down for good. Pending reconnects are cancelled.
func (l *ChannelLink) Close(reason string) {
	if l.state == StateClosedFinal {
		return
	}
	l.cancelTimer()
	l.gen++
	l.dropConn(CloseNormal, reason)
	l.setState(StateClosedFinal)
	l.onEvent(LinkEvent{Kind: EventClosed, Code: CloseNormal, Reason: reason})
}

func (l *ChannelLink) connect() {
	l.gen++
	gen := l.gen
	l.setState(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	l.cancelDial = cancel
	url := l.cfg.channelURL(l.identity)
	dialer := l.dialer

	go func() {
		conn, err := dialer.Dial(ctx, url)
		delivered := l.post(func() { l.dialed(gen, conn, err) })
		if !delivered && conn != nil {
			_ = conn.CloseWith(CloseNormal, "session stopped")
		}
	}()
}

func (l *ChannelLink) dialed(gen uint64, conn Conn, err error) {
	if gen != l.gen || l.state != StateConnecting {
		if conn != nil {
			_ = conn.CloseWith(CloseNormal, "superseded")
		}
		return
	}
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	if err != nil {
		l.log.Warn("dial failed", "user_id", l.identity, "error", err)
		l.onEvent(LinkEvent{Kind: EventError, Err: &TransportError{Op: "dial", Err: err}})
		l.scheduleReconnect()
		return
	}

	lc := &liveConn{
		conn:   conn,
		sendCh: make(chan []byte, l.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	l.cur = lc
	l.backoff.Reset()
	l.setState(StateOpen)
	l.log.Info("channel connected", "user_id", l.identity)

	go l.readLoop(gen, lc)
	go l.writeLoop(gen, lc)

	l.onEvent(LinkEvent{Kind: EventOpened})
}

func (l *ChannelLink) inbound(gen uint64, payload []byte) {
	if gen != l.gen || l.state != StateOpen {
		return
	}
	l.onEvent(LinkEvent{Kind: EventInbound, Payload: payload})
}

func (l *ChannelLink) lost(gen uint64, cerr *CloseError, op string) {
	if gen != l.gen || l.state != StateOpen {
		return
	}
	if l.cur != nil {
		l.cur.release()
		l.cur = nil
	}
	if cerr.Err != nil {
		l.onEvent(LinkEvent{Kind: EventError, Err: &TransportError{Op: op, Err: cerr.Err}})
	}
	l.onEvent(LinkEvent{Kind: EventClosed, Code: cerr.Code, Reason: cerr.Reason})

	if cerr.Code == CloseNormal {
		l.log.Info("channel closed", "user_id", l.identity, "reason", cerr.Reason)
		l.setState(StateDisconnected)
		return
	}
	l.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer.
func (l *ChannelLink) scheduleReconnect() {
	l.cancelTimer()
	delay := l.backoff.NextBackOff()
	if delay == backoff.Stop {
		l.setState(StateDisconnected)
		return
	}
	l.setState(StateReconnecting)
	l.log.Warn("channel lost, reconnecting", "user_id", l.identity, "delay", delay)

	gen := l.gen
	l.stopTimer = l.after(delay, func() {
		l.post(func() { l.reconnectDue(gen) })
	})
}

func (l *ChannelLink) reconnectDue(gen uint64) {
	if gen != l.gen || l.state != StateReconnecting {
		return
	}
	l.stopTimer = nil
	l.connect()
}

func (l *ChannelLink) cancelTimer() {
	if l.stopTimer != nil {
		l.stopTimer()
		l.stopTimer = nil
	}
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
}

func (l *ChannelLink) dropConn(code int, reason string) {
	if l.cur == nil {
		return
	}
	l.cur.shutdown(code, reason)
	l.cur = nil
}

func (l *ChannelLink) setState(s ChannelState) {
	if l.state == s {
		return
	}
	l.log.Debug("channel state", "user_id", l.identity, "from", l.state, "to", s)
	l.state = s
	if l.onState != nil {
		l.onState(s)
	}
}

// --- Transport goroutines ---

func (l *ChannelLink) readLoop(gen uint64, lc *liveConn) {
	for {
		data, err := lc.conn.ReadText()
		if err != nil {
			var cerr *CloseError
			if !errors.As(err, &cerr) {
				cerr = &CloseError{Code: CloseAbnormal, Err: err}
			}
			if !l.post(func() { l.lost(gen, cerr, "read") }) {
				lc.shutdown(CloseNormal, "session stopped")
			}
			return
		}
		if !l.post(func() { l.inbound(gen, data) }) {
			lc.shutdown(CloseNormal, "session stopped")
			return
		}
	}
}

func (l *ChannelLink) writeLoop(gen uint64, lc *liveConn) {
	for {
		select {
		case data := <-lc.sendCh:
			if err := lc.conn.WriteText(data); err != nil {
				cerr := &CloseError{Code: CloseAbnormal, Err: err}
				l.post(func() { l.lost(gen, cerr, "write") })
				return
			}
		case <-lc.done:
			return
		}
	}
}
