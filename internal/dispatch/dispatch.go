// Package dispatch is the front door for every inbound public connection.
// It parses the request head, extracts the subdomain id from the Host
// header, borrows a tunnel socket from the matching client's pool, and
// routes the exchange through either the HTTP injector or the raw upgrade
// bridge. Plain HTTP requests on the apex domain (or with no usable Host)
// fall through to the management application; upgrade requests there are
// closed.
package dispatch

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sancsoft/localtunnel-server/internal/httpx"
	"github.com/sancsoft/localtunnel-server/internal/obs"
	"github.com/sancsoft/localtunnel-server/internal/tunnel"
)

// Fallback receives connections the dispatcher declines to route (no Host
// header, no subdomain). head is the raw request bytes already consumed
// from the connection, reconstructed in wire order; the fallback must
// treat head as if it had been read from conn first.
type Fallback func(conn net.Conn, head []byte)

// Config carries the routing knobs the dispatcher needs per connection.
type Config struct {
	// BaseDomain, when set, restricts routing to hosts of the form
	// <id>.<BaseDomain>; anything else falls through. When empty, the
	// leftmost label of any host with at least three labels is used.
	BaseDomain string
	// MaxHeaderBytes bounds the request head read. <=0 means 32 KiB.
	MaxHeaderBytes int
	// ProxyProto, when true, expects a HAProxy PROXY protocol v1 line
	// ahead of the HTTP request on every public connection.
	ProxyProto bool
	// AddXFF appends the requester's IP to X-Forwarded-For on the HTTP
	// path. The upgrade path never touches headers.
	AddXFF bool
}

const defaultMaxHeaderBytes = 32 * 1024

// Dispatcher routes public connections to client tunnels.
type Dispatcher struct {
	reg      *tunnel.Registry
	cfg      Config
	fallback Fallback
	log      obs.Logger
}

// New constructs a Dispatcher. fallback may be nil, in which case
// fall-through connections are closed.
func New(reg *tunnel.Registry, cfg Config, fallback Fallback, log obs.Logger) *Dispatcher {
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if fallback == nil {
		fallback = func(c net.Conn, _ []byte) { _ = c.Close() }
	}
	if log == nil {
		log = obs.NopLogger{}
	}
	return &Dispatcher{reg: reg, cfg: cfg, fallback: fallback, log: obs.Named(log, "dispatch")}
}

// HandleConn owns c from accept to teardown. Call it from its own
// goroutine; the HTTP exchange and the upgrade pipe both block.
func (d *Dispatcher) HandleConn(c net.Conn) {
	br := bufio.NewReader(c)

	var pre []byte
	realIP := ""
	if d.cfg.ProxyProto {
		line, err := br.ReadString('\n')
		if err != nil {
			d.log.Error("public.proxy_proto.read", obs.Fields{"err": err.Error()})
			_ = c.Close()
			return
		}
		if ip, ok := parseProxyLine(line); ok {
			realIP = ip
		} else {
			pre = append(pre, []byte(line)...)
		}
	}

	req, err := httpx.ParseRequest(br, d.cfg.MaxHeaderBytes, pre)
	if err != nil {
		d.log.Error("public.header", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
		_ = c.Close()
		return
	}

	// Bytes past the header terminator live in two places: req.Body (read
	// by the header scan) and the bufio buffer. Collect both so the raw
	// conn is the sole remaining byte source from here on.
	prebody := append([]byte{}, req.Body...)
	req.Body = nil
	if n := br.Buffered(); n > 0 {
		buffered, _ := br.Peek(n)
		prebody = append(prebody, buffered...)
		_, _ = br.Discard(n)
	}

	host := req.Get("Host")
	upgrade := isUpgrade(req)
	name := Subdomain(host, d.cfg.BaseDomain)

	if name == "" {
		if upgrade {
			_ = c.Close()
			return
		}
		d.fallback(c, rebuildHead(req, prebody))
		return
	}

	t := d.reg.Lookup(name)
	if t == nil {
		if upgrade {
			obs.UpgradesTotal.WithLabelValues("unknown_client").Inc()
			_ = c.Close()
			return
		}
		obs.RequestsTotal.WithLabelValues("unknown_client").Inc()
		writeShortResponse(c, 502, "Bad Gateway", fmt.Sprintf("no active client for '%s'", name))
		_ = c.Close()
		return
	}

	if d.cfg.AddXFF && !upgrade {
		ip := realIP
		if ip == "" {
			ip = httpx.RemoteIP(c)
		}
		req.AugmentXFF(ip)
	}

	// The pool may deliver a socket long after the requester gives up;
	// watch the peer so a disconnect releases the socket uncorrupted
	// instead of burning it on a dead connection.
	mon := watchPeer(c)
	t.Pool.NextSocket(func(s *tunnel.Socket) {
		if s == nil {
			mon.Claim()
			d.drained(c, name, upgrade)
			return
		}
		if mon.Finished() {
			t.Pool.Release(s)
			_ = c.Close()
			return
		}
		// Admit fires this handler on the tunnel's accept goroutine;
		// the exchange must not block further accepts.
		go d.serve(c, mon, req, prebody, t, s, upgrade)
	})
}

// drained answers a waiter that was notified with the null sentinel: the
// tunnel shut down (or the waiter timed out) before a socket arrived.
func (d *Dispatcher) drained(c net.Conn, name string, upgrade bool) {
	if upgrade {
		obs.UpgradesTotal.WithLabelValues("drained").Inc()
		_ = c.Close()
		return
	}
	obs.RequestsTotal.WithLabelValues("drained").Inc()
	writeShortResponse(c, 504, "Gateway Timeout", fmt.Sprintf("tunnel '%s' became unavailable", name))
	_ = c.Close()
}

func (d *Dispatcher) serve(c net.Conn, mon *peerMonitor, req *httpx.RequestLine, prebody []byte, t *tunnel.ClientTunnel, s *tunnel.Socket, upgrade bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("serve.panic", obs.Fields{"id": t.ID, "panic": fmt.Sprint(r)})
			_ = s.Destroy()
			t.Pool.Release(s)
			_ = c.Close()
		}
	}()
	extra := mon.Claim()
	if mon.Finished() {
		t.Pool.Release(s)
		_ = c.Close()
		return
	}
	if len(extra) > 0 {
		prebody = append(prebody, extra...)
	}

	if upgrade {
		bridgeUpgrade(c, req, prebody, s, d.log)
		t.Pool.Remove(s)
		return
	}

	start := time.Now()
	err := injectHTTP(c, req, prebody, s, d.cfg.MaxHeaderBytes)
	obs.RequestDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		obs.RequestsTotal.WithLabelValues("error").Inc()
		d.log.Error("inject.failed", obs.Fields{"id": t.ID, "err": err.Error()})
	} else {
		obs.RequestsTotal.WithLabelValues("ok").Inc()
	}
	t.Pool.Release(s)
}

// Subdomain extracts the client id from a Host header value. With base
// set, host must be exactly <id>.<base>; otherwise the leftmost label of
// a host carrying at least three labels is used, so the apex and www-less
// two-label hosts fall through to the management app.
func Subdomain(host, base string) string {
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if base != "" {
		suffix := "." + strings.ToLower(base)
		if !strings.HasSuffix(host, suffix) {
			return ""
		}
		sub := strings.TrimSuffix(host, suffix)
		if sub == "" || strings.Contains(sub, ".") {
			return ""
		}
		return sub
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	return labels[0]
}

func isUpgrade(req *httpx.RequestLine) bool {
	if req.Get("Upgrade") == "" {
		return false
	}
	for _, tok := range strings.Split(req.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

// parseProxyLine extracts the source IP from a HAProxy PROXY protocol v1
// line. Returns ok=false when the line is not a PROXY header, in which
// case the caller must treat it as the start of the HTTP request.
func parseProxyLine(line string) (ip string, ok bool) {
	if !strings.HasPrefix(line, "PROXY ") {
		return "", false
	}
	parts := strings.Fields(line)
	if len(parts) >= 6 {
		return parts[2], true
	}
	return "", true
}

func writeShortResponse(c net.Conn, code int, status, body string) {
	_, _ = fmt.Fprintf(c, "HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", code, status, len(body), body)
}
