package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/sancsoft/localtunnel-server/internal/obs"
)

// Handler is invoked at most once with either a borrowed socket, or nil
// meaning "no socket will ever be delivered" (fired during pool shutdown,
// or when a waiter's optional timeout elapses first).
type Handler func(*Socket)

// waiter wraps a queued Handler so an optional acquisition timeout can
// find and remove its own entry without firing a handler twice.
type waiter struct {
	fn    Handler
	timer *time.Timer
}

// Pool is the per-client FIFO set of idle tunnel sockets plus the FIFO
// queue of handlers waiting for one. Admit, NextSocket and Release are the
// only places a socket changes hands; all run under the same mutex so
// "while |waiters| > 0, |idle| = 0" holds at every observable point.
//
// onIdle is invoked synchronously (outside the lock) whenever size
// transitions to zero, so the owning ClientTunnel can arm its
// idle-destroy timer. onBusy is invoked whenever size transitions away
// from zero, so the tunnel can cancel that timer.
type Pool struct {
	// WaiterTimeout, when positive, bounds how long a handler may sit in
	// the waiter queue before being invoked with nil. Zero means waiters
	// wait forever. Set before the pool is shared across goroutines.
	WaiterTimeout time.Duration

	mu      sync.Mutex
	idle    []*Socket
	waiters []*waiter
	size    int
	closed  bool

	onIdle func()
	onBusy func()
	log    obs.Logger
}

// NewPool constructs an empty pool. onIdle/onBusy may be nil.
func NewPool(onIdle, onBusy func(), log obs.Logger) *Pool {
	if log == nil {
		log = obs.NopLogger{}
	}
	return &Pool{onIdle: onIdle, onBusy: onBusy, log: log}
}

// popWaiterLocked dequeues the oldest waiter and disarms its timeout.
func (p *Pool) popWaiterLocked() Handler {
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.fn
}

// Admit enqueues socket as idle, then immediately lends it to the oldest
// waiter if one is queued. Cancels the owning tunnel's idle timer. After
// Shutdown the socket is destroyed instead of admitted.
func (p *Pool) Admit(s *Socket) {
	var fire Handler
	var lent *Socket

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = s.Destroy()
		return
	}
	wasZero := p.size == 0
	p.size++
	if len(p.waiters) > 0 {
		fire = p.popWaiterLocked()
		lent = s
	} else {
		p.idle = append(p.idle, s)
		p.startIdleWatchLocked(s)
	}
	p.mu.Unlock()

	obs.SocketsAdmittedTotal.Inc()
	if wasZero && p.onBusy != nil {
		p.onBusy()
	}
	if fire != nil {
		fire(lent)
	}
}

// NextSocket pops the oldest idle socket and invokes handler with it, or
// enqueues handler as a waiter if none is idle. handler is invoked at most
// once, and never while p.mu is held.
func (p *Pool) NextSocket(handler Handler) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		handler(nil)
		return
	}
	if len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		p.claim(s)
		handler(s)
		return
	}
	w := &waiter{fn: handler}
	if p.WaiterTimeout > 0 {
		w.timer = time.AfterFunc(p.WaiterTimeout, func() { p.expireWaiter(w) })
	}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()
}

// expireWaiter removes w from the queue if it is still enqueued and fires
// its handler with nil. A waiter already lent a socket (or drained by
// Shutdown) is left alone, preserving at-most-once invocation.
func (p *Pool) expireWaiter(w *waiter) {
	p.mu.Lock()
	found := false
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	if found {
		w.fn(nil)
	}
}

// Release returns socket to the idle tail unless it has been destroyed, and
// then services waiters exactly like Admit. Call this when a borrowed
// socket's handler completes without consuming it. A destroyed socket is
// removed from the pool's accounting instead.
func (p *Pool) Release(s *Socket) {
	var fire Handler
	var lent *Socket
	var claimNeeded *Socket

	p.mu.Lock()
	if s.Destroyed() {
		if len(p.waiters) > 0 && len(p.idle) > 0 {
			fire = p.popWaiterLocked()
			lent = p.idle[0]
			p.idle = p.idle[1:]
			claimNeeded = lent
		}
		p.mu.Unlock()
		p.Remove(s)
		if claimNeeded != nil {
			p.claim(claimNeeded)
		}
		if fire != nil {
			fire(lent)
		}
		return
	}
	if p.closed {
		p.mu.Unlock()
		p.Remove(s)
		_ = s.Destroy()
		return
	}
	if len(p.waiters) > 0 {
		fire = p.popWaiterLocked()
		lent = s
	} else {
		p.idle = append(p.idle, s)
		p.startIdleWatchLocked(s)
	}
	p.mu.Unlock()
	if fire != nil {
		fire(lent)
	}
}

// Remove is called when a tunnel socket closes for good (peer hangup,
// transport error). It drops the socket from idle if present and
// decrements size; when size reaches zero the owning tunnel is signaled
// to arm its idle-destroy timer. Idempotent per socket.
func (p *Pool) Remove(s *Socket) {
	if !s.removed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	for i, c := range p.idle {
		if c == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	if p.size > 0 {
		p.size--
	}
	becameZero := p.size == 0 && !p.closed
	p.mu.Unlock()
	if becameZero && p.onIdle != nil {
		p.onIdle()
	}
}

// Shutdown drains the waiter queue in FIFO order, invoking each with nil,
// clears idle, and rejects all future admissions/next_socket calls with
// the null sentinel.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, s := range idle {
		_ = s.Destroy()
	}
	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.fn(nil)
	}
}

// Size returns the number of sockets currently admitted and not removed.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Stats returns (idle, waiters) queue lengths, used by periodic metric
// collection at the registry level (summed across every client's pool).
func (p *Pool) Stats() (idle, waiters int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.waiters)
}

// startIdleWatchLocked spawns the goroutine that detects a peer closing an
// idle tunnel socket. Must be called with p.mu held, immediately after
// appending s to p.idle.
func (p *Pool) startIdleWatchLocked(s *Socket) {
	done := make(chan struct{})
	s.watchDone = done
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		n, err := s.Conn.Read(buf)
		if n > 0 {
			// Unsolicited bytes on an idle tunnel socket: the client is
			// speaking out of turn. Treat the socket as unusable.
			p.Remove(s)
			_ = s.Destroy()
			return
		}
		if err != nil && !isClaimWake(err) {
			p.Remove(s)
			_ = s.Destroy()
		}
	}()
}

// claim interrupts s's idle-watch goroutine (if any) and waits for it to
// exit, so the caller is the sole reader of s before handing it to a
// Handler. Must be called after popping s out of p.idle, outside the lock.
func (p *Pool) claim(s *Socket) {
	if s.watchDone == nil {
		return
	}
	done := s.watchDone
	s.watchDone = nil
	_ = s.Conn.SetReadDeadline(time.Unix(0, 1))
	<-done
	_ = s.Conn.SetReadDeadline(time.Time{})
}

func isClaimWake(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
