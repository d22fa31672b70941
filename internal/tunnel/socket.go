package tunnel

import (
	"net"
	"sync/atomic"
)

// Socket is a TCP connection accepted on a ClientTunnel's listener. The pool
// owns it while idle, a Handler owns it while in flight, and ownership
// returns to the pool on completion unless the handler consumed it (an
// upgrade bridge) or the underlying conn failed.
type Socket struct {
	net.Conn

	remoteAddr string
	destroyed  atomic.Bool
	removed    atomic.Bool

	// watchDone is set, under the owning pool's mutex, when the socket
	// enters a pool's idle queue; the pool's idle-watcher goroutine closes
	// it on exit. claim() clears it after the socket has been popped from
	// the idle queue, when the claiming goroutine is its only user.
	watchDone chan struct{}
}

func newSocket(c net.Conn) *Socket {
	return &Socket{Conn: c, remoteAddr: c.RemoteAddr().String()}
}

// RemoteAddr returns the address the socket was accepted from. Shadows
// net.Conn's own RemoteAddr so it survives Close().
func (s *Socket) RemoteAddr() string { return s.remoteAddr }

// Destroy marks the socket unusable and closes the underlying connection.
// Safe to call more than once.
func (s *Socket) Destroy() error {
	s.destroyed.Store(true)
	return s.Conn.Close()
}

// Destroyed reports whether Destroy has been called.
func (s *Socket) Destroyed() bool { return s.destroyed.Load() }
