package peerchat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Conn / Dialer ---

type fakeConn struct {
	frames chan []byte
	ends   chan *CloseError
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	written   [][]byte
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		ends:   make(chan *CloseError, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadText() ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case cerr := <-c.ends:
		return nil, cerr
	case <-c.closed:
		return nil, &CloseError{Code: CloseAbnormal, Err: net.ErrClosed}
	}
}

func (c *fakeConn) WriteText(p []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) CloseWith(code int, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// Close releases the fake without a close frame; closeCode stays zero.
func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
	fail  error // returned by every dial while set
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// --- Scheduler ---

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) after(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		active := !t.stopped && !t.fired
		t.stopped = true
		return active
	}
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) all() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTimer(nil), s.timers...)
}

// fire runs t's callback even if it was stopped, as a late timer would.
func (s *fakeScheduler) fire(t *fakeTimer) {
	s.mu.Lock()
	t.fired = true
	s.mu.Unlock()
	t.f()
}

// --- History / Fallback ---

type historyReply struct {
	msgs []Message
	err  error
}

type fakeHistory struct {
	mu      sync.Mutex
	calls   []HistoryRequest
	replies map[Identity]chan historyReply
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{replies: make(map[Identity]chan historyReply)}
}

func (h *fakeHistory) reply(peer Identity) chan historyReply {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.replies[peer]
	if !ok {
		ch = make(chan historyReply, 4)
		h.replies[peer] = ch
	}
	return ch
}

func (h *fakeHistory) History(ctx context.Context, req HistoryRequest) ([]Message, error) {
	h.mu.Lock()
	h.calls = append(h.calls, req)
	h.mu.Unlock()
	select {
	case r := <-h.reply(req.Peer):
		return r.msgs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *fakeHistory) release(peer Identity, msgs []Message, err error) {
	h.reply(peer) <- historyReply{msgs: msgs, err: err}
}

func (h *fakeHistory) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type fakeSender struct {
	gate   chan struct{} // closed to let requests through; nil means immediate
	result Message
	err    error

	mu    sync.Mutex
	calls int
}

func (f *fakeSender) SendMessage(ctx context.Context, sender, receiver Identity, content string) (Message, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Message{}, f.err
	}
	m := f.result
	if m.SenderID == 0 {
		m.SenderID, m.ReceiverID, m.Content = sender, receiver, content
	}
	return m, nil
}

// --- Hooks recorder ---

type recorder struct {
	mu        sync.Mutex
	states    []ChannelState
	messages  []Message
	outcomes  []RoutingOutcome
	timelines map[Identity][]Message
	acks      []int64
	errs      []error
}

func newRecorder() *recorder {
	return &recorder{timelines: make(map[Identity][]Message)}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnState: func(s ChannelState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnMessage: func(_ Identity, m Message, o RoutingOutcome) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, m)
			r.outcomes = append(r.outcomes, o)
		},
		OnTimeline: func(peer Identity, tl []Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.timelines[peer] = tl
		},
		OnAck: func(id int64, _ string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.acks = append(r.acks, id)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) errList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) hasError(target any) bool {
	for _, err := range r.errList() {
		if errors.As(err, target) {
			return true
		}
	}
	return false
}

func (r *recorder) timeline(peer Identity) ([]Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.timelines[peer]
	return tl, ok
}

// --- Helpers ---

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
