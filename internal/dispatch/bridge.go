package dispatch

import (
	"io"
	"net"
	"sync"

	"github.com/sancsoft/localtunnel-server/internal/httpx"
	"github.com/sancsoft/localtunnel-server/internal/obs"
	"github.com/sancsoft/localtunnel-server/internal/tunnel"
)

// bridgeUpgrade handles a WebSocket (or any Upgrade:) request. The request
// preamble is replayed onto the tunnel socket textually, in original
// header order with duplicates intact, then both connections are wired
// into a full-duplex pipe until either side ends. The tunnel socket is
// consumed: once opaque upgrade bytes have flowed, its HTTP framing is
// unrecoverable, so the caller must Remove it from the pool rather than
// Release it.
func bridgeUpgrade(peer net.Conn, req *httpx.RequestLine, prebody []byte, s *tunnel.Socket, log obs.Logger) {
	if _, err := req.WriteTo(s); err != nil {
		obs.UpgradesTotal.WithLabelValues("error").Inc()
		log.Error("bridge.preamble", obs.Fields{"err": err.Error()})
		_ = s.Destroy()
		_ = peer.Close()
		return
	}
	if len(prebody) > 0 {
		if _, err := s.Write(prebody); err != nil {
			obs.UpgradesTotal.WithLabelValues("error").Inc()
			_ = s.Destroy()
			_ = peer.Close()
			return
		}
	}

	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() {
		_ = s.Destroy()
		_ = peer.Close()
	}
	copyFn := func(dst io.Writer, src io.Reader) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyFn(s, peer)
	go copyFn(peer, s)
	wg.Wait()
	obs.UpgradesTotal.WithLabelValues("ok").Inc()
}
