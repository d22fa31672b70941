package dispatch

import (
	"net"
	"sync/atomic"
	"time"
)

// peerMonitor detects an external requester disconnecting while its
// request sits in a pool's waiter queue, without corrupting whatever bytes
// arrive next on the same connection. It is the dispatcher-side twin of
// the tunnel pool's idle-socket watcher (internal/tunnel/pool.go): same
// SetReadDeadline-interrupt-and-wait technique, because in both cases a
// background goroutine must give up sole ownership of a net.Conn's read
// side the instant the foreground goroutine needs it back.
type peerMonitor struct {
	conn      net.Conn
	finished  atomic.Bool
	done      chan struct{}
	prebuffer []byte
}

func watchPeer(conn net.Conn) *peerMonitor {
	m := &peerMonitor{conn: conn, done: make(chan struct{})}
	go func() {
		defer close(m.done)
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if n > 0 {
			m.prebuffer = buf[:n]
			return
		}
		if err != nil && !isDeadlineErr(err) {
			m.finished.Store(true)
		}
	}()
	return m
}

// Finished reports whether the peer has disconnected. Safe to poll at any
// time; becomes accurate once the watcher goroutine has observed an error,
// which Claim() guarantees.
func (m *peerMonitor) Finished() bool { return m.finished.Load() }

// Claim stops the watcher and waits for it to exit, returning any bytes it
// had already read off the wire so the caller can treat them as the start
// of the request body / upgrade payload instead of losing them.
func (m *peerMonitor) Claim() []byte {
	_ = m.conn.SetReadDeadline(time.Unix(0, 1))
	<-m.done
	_ = m.conn.SetReadDeadline(time.Time{})
	return m.prebuffer
}

func isDeadlineErr(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
