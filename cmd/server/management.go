package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"runtime"
	"strings"
	"sync"

	"github.com/sancsoft/localtunnel-server/internal/obs"
	"github.com/sancsoft/localtunnel-server/internal/tunnel"
)

// newClientInfo is the JSON body returned by the tunnel-creation endpoints.
type newClientInfo struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
}

type statusMem struct {
	HeapAlloc  uint64 `json:"heap_alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

type statusInfo struct {
	Tunnels int       `json:"tunnels"`
	Mem     statusMem `json:"mem"`
}

// managementHandler serves the tunnel-creation API plus status and the
// marketing-site passthrough. It answers both on the dedicated control
// address and on public connections whose hostname carries no subdomain
// (see publicFallback).
func managementHandler(reg *tunnel.Registry, cfg *Config, log obs.Logger) http.Handler {
	log = obs.Named(log, "mgmt")
	var marketing *httputil.ReverseProxy
	marketingURL, err := url.Parse(cfg.MarketingURL)
	if err == nil && marketingURL.Host != "" {
		marketing = httputil.NewSingleHostReverseProxy(marketingURL)
	}

	create := func(w http.ResponseWriter, r *http.Request, requestedID string) {
		res, err := reg.Create(requestedID)
		if err != nil {
			log.Error("mgmt.create", obs.Fields{"err": err.Error(), "requested": requestedID})
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "could not allocate tunnel"})
			return
		}
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		info := newClientInfo{
			ID:           res.ID,
			Port:         res.Port,
			MaxConnCount: res.MaxConnCount,
			URL:          scheme + "://" + res.ID + "." + r.Host,
		}
		log.Info("mgmt.created", obs.Fields{"id": res.ID, "port": res.Port})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case path == "/api/status":
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			st := statusInfo{
				Tunnels: reg.Count(),
				Mem: statusMem{
					HeapAlloc:  ms.HeapAlloc,
					TotalAlloc: ms.TotalAlloc,
					Sys:        ms.Sys,
					NumGC:      ms.NumGC,
				},
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(st)

		case strings.HasPrefix(path, "/assets/") || path == "/favicon.ico":
			if marketing == nil {
				http.NotFound(w, r)
				return
			}
			marketing.ServeHTTP(w, r)

		case path == "/":
			if r.URL.Query().Has("new") {
				create(w, r, "")
				return
			}
			http.Redirect(w, r, cfg.MarketingURL, http.StatusFound)

		default:
			id := strings.TrimPrefix(path, "/")
			if strings.Contains(id, "/") {
				http.NotFound(w, r)
				return
			}
			if !tunnel.IDPattern.MatchString(id) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"message": "Invalid subdomain. Subdomains must be lowercase and between 4 and 63 alphanumeric characters.",
				})
				return
			}
			create(w, r, id)
		}
	})
}

// prefixConn replays already-consumed head bytes ahead of the live
// connection, so the management HTTP server can re-parse a request whose
// head the dispatcher already read.
type prefixConn struct {
	net.Conn
	r io.Reader
}

func (p *prefixConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// oneConnListener hands http.Serve exactly one connection, then reports
// closed, so the serve loop returns as soon as that connection has been
// handed to its own serving goroutine.
type oneConnListener struct {
	mu   sync.Mutex
	conn net.Conn
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, net.ErrClosed
	}
	c := l.conn
	l.conn = nil
	return c, nil
}

func (l *oneConnListener) Close() error { return nil }

func (l *oneConnListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

// publicFallback adapts the management handler to raw fall-through
// connections from the dispatcher: the consumed head bytes are replayed in
// front of the connection and the result is served as ordinary HTTP.
func publicFallback(h http.Handler) func(net.Conn, []byte) {
	return func(c net.Conn, head []byte) {
		pc := &prefixConn{Conn: c, r: io.MultiReader(bytes.NewReader(head), c)}
		srv := &http.Server{Handler: h}
		_ = srv.Serve(&oneConnListener{conn: pc})
	}
}
