package tunnel

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sancsoft/localtunnel-server/internal/obs"
)

// ErrAlreadyStarted is returned by a second call to ClientTunnel.Start.
var ErrAlreadyStarted = errors.New("tunnel: already started")

// IdleDestroyTimeout is the default for how long a tunnel may hold zero
// admitted sockets before it is closed.
const IdleDestroyTimeout = 5 * time.Second

type tunnelState int

const (
	stateFresh tunnelState = iota
	stateStarting
	stateListening
	stateClosing
	stateEnded
)

// ClientTunnel owns one client's ephemeral TCP listener and tunnel socket
// pool. It is created by a ClientRegistry, accepts sockets from the remote
// tunnel client up to MaxSockets, feeds them to Pool, and signals End
// exactly once when it is torn down.
type ClientTunnel struct {
	ID         string
	MaxSockets int
	// IdleTimeout is how long the tunnel may hold zero admitted sockets
	// before closing itself. Defaults to IdleDestroyTimeout.
	IdleTimeout time.Duration

	Pool *Pool

	log obs.Logger

	mu       sync.Mutex
	state    tunnelState
	listener net.Listener
	port     int
	timer    *time.Timer
	ended    bool
	onEnd    []func()
}

// NewClientTunnel constructs a fresh, unstarted tunnel. maxSockets<=0
// defaults to 10.
func NewClientTunnel(id string, maxSockets int, log obs.Logger) *ClientTunnel {
	if maxSockets <= 0 {
		maxSockets = 10
	}
	if log == nil {
		log = obs.NopLogger{}
	}
	t := &ClientTunnel{ID: id, MaxSockets: maxSockets, IdleTimeout: IdleDestroyTimeout, log: obs.Named(log, "tunnel")}
	t.Pool = NewPool(t.armIdleTimer, t.cancelIdleTimer, log)
	return t
}

// OnEnd registers a callback invoked exactly once when the tunnel ends.
// Must be called before Start to avoid racing End.
func (t *ClientTunnel) OnEnd(fn func()) {
	t.mu.Lock()
	t.onEnd = append(t.onEnd, fn)
	t.mu.Unlock()
}

// Start binds an ephemeral TCP listener, begins accepting tunnel sockets,
// and arms the initial idle-destroy timer. A second call returns
// ErrAlreadyStarted.
func (t *ClientTunnel) Start() (port int, maxConnCount int, err error) {
	t.mu.Lock()
	if t.state != stateFresh {
		t.mu.Unlock()
		return 0, 0, ErrAlreadyStarted
	}
	t.state = stateStarting
	t.mu.Unlock()

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.mu.Lock()
		t.state = stateFresh
		t.mu.Unlock()
		return 0, 0, err
	}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(portStr)

	t.mu.Lock()
	t.listener = ln
	t.port = p
	t.state = stateListening
	t.mu.Unlock()

	obs.TunnelsStartedTotal.Inc()
	t.log.Info("tunnel.started", obs.Fields{"id": t.ID, "port": p})

	go t.acceptLoop(ln)
	t.armIdleTimer()

	return p, t.MaxSockets, nil
}

func (t *ClientTunnel) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && isTransient(ne) {
				t.log.Debug("tunnel.accept.transient", obs.Fields{"id": t.ID, "err": err.Error()})
				continue
			}
			// A fatal listener fault ends accepting but leaves the tunnel
			// and its already-admitted sockets alive.
			t.log.Error("tunnel.accept.fatal", obs.Fields{"id": t.ID, "err": err.Error()})
			return
		}
		t.onAccept(newSocket(c))
	}
}

// isTransient matches per-peer accept noise (ECONNRESET, ETIMEDOUT) that
// must not take the listener down.
func isTransient(err net.Error) bool {
	if err.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "timed out")
}

// onAccept enforces the socket cap, then admits the socket into the pool.
// Hangup detection is the pool's job: its idle watcher calls Pool.Remove
// when an idle socket closes.
func (t *ClientTunnel) onAccept(s *Socket) {
	if t.Pool.Size() >= t.MaxSockets {
		obs.SocketsRejectedTotal.Inc()
		_ = s.Destroy()
		return
	}
	t.Pool.Admit(s)
}

func (t *ClientTunnel) armIdleTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateListening {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.IdleTimeout, func() {
		t.log.Info("tunnel.idle_timeout", obs.Fields{"id": t.ID})
		_ = t.Close()
	})
}

func (t *ClientTunnel) cancelIdleTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Close stops accepting, closes the listener (swallowing any error; a
// listener-close race with the idle timer is treated as already-closed),
// drains the pool's waiters with the null sentinel, and emits End exactly
// once.
func (t *ClientTunnel) Close() error {
	t.mu.Lock()
	if t.state == stateEnded || t.state == stateClosing {
		t.mu.Unlock()
		return nil
	}
	t.state = stateClosing
	ln := t.listener
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	t.Pool.Shutdown()

	t.mu.Lock()
	t.state = stateEnded
	already := t.ended
	t.ended = true
	callbacks := t.onEnd
	t.mu.Unlock()

	if already {
		return nil
	}
	obs.TunnelsEndedTotal.Inc()
	t.log.Info("tunnel.ended", obs.Fields{"id": t.ID})
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Port returns the bound listener port, stable from Start to Close.
func (t *ClientTunnel) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}
