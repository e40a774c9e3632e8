package peerchat

import "sync"

// eventLoop runs closures one at a time on a single goroutine. All session
// state is touched only from inside it, so none of it needs locking.
type eventLoop struct {
	ch   chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		ch:   make(chan func(), 64),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.ch:
			fn()
		case <-l.quit:
			return
		}
	}
}

// post queues fn. It returns false once the loop is stopping.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.ch <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// call runs fn on the loop and waits for it. It must not be used from the
// loop goroutine itself; hooks run on a hookQueue for that reason.
func (l *eventLoop) call(fn func()) bool {
	finished := make(chan struct{})
	if !l.post(func() { fn(); close(finished) }) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		// The loop may have picked fn up just before quitting.
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// stop ends the loop after the closure in flight, if any.
func (l *eventLoop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}

// hookQueue runs callbacks in order on a goroutine of its own. The loop only
// appends to it, so a callback may block on the loop without stalling it.
type hookQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newHookQueue() *hookQueue {
	q := &hookQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *hookQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch, closed := q.pending, q.closed
		q.pending = nil
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

// push queues fn. Calls after close are dropped.
func (q *hookQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	q.signal()
}

func (q *hookQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close runs what is already queued and waits for it. It must not be called
// from a callback.
func (q *hookQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.done
}
