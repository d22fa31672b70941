package dispatch

import (
	"bufio"
	"bytes"
	"io"
	"net"

	"github.com/sancsoft/localtunnel-server/internal/httpx"
	"github.com/sancsoft/localtunnel-server/internal/tunnel"
)

// injectHTTP performs one HTTP/1.x exchange over a borrowed tunnel socket:
// the request head and body go down the socket verbatim, the response comes
// back up and is streamed to the peer. No second TCP connection is ever
// dialed; the socket IS the transport. On return the socket is either
// intact (reusable by the pool) or destroyed.
//
// prebody holds request-body bytes already read off the peer during header
// parsing and peer watching; they are forwarded ahead of the remaining
// body stream.
func injectHTTP(peer net.Conn, req *httpx.RequestLine, prebody []byte, s *tunnel.Socket, maxHeader int) error {
	if _, err := req.WriteTo(s); err != nil {
		_ = s.Destroy()
		_ = peer.Close()
		return err
	}
	peerRd := bufio.NewReader(peer)
	if err := httpx.CopyBody(s, peerRd, req.Headers, prebody); err != nil {
		_ = s.Destroy()
		_ = peer.Close()
		return err
	}

	sockRd := bufio.NewReader(s)
	resp, err := httpx.ParseResponse(sockRd, maxHeader)
	if err != nil {
		_ = s.Destroy()
		_ = peer.Close()
		return err
	}
	respPre := resp.Body
	resp.Body = nil
	if _, err := resp.WriteTo(peer); err != nil {
		// Headers may be partially on the wire; the peer connection is
		// unrecoverable but the tunnel socket still holds an unread body.
		_ = s.Destroy()
		_ = peer.Close()
		return err
	}

	if !bodyExpected(req.Method, resp.StatusCode) {
		_ = peer.Close()
		return nil
	}

	_, chunked := httpx.BodyLength(resp.Headers)
	if !chunked && resp.Get("Content-Length") == "" {
		// Close-delimited body: stream until the client hangs up. The
		// socket's framing ends with it, so it cannot go back to the pool.
		if len(respPre) > 0 {
			if _, err := peer.Write(respPre); err != nil {
				_ = s.Destroy()
				_ = peer.Close()
				return err
			}
		}
		_, err := io.Copy(peer, sockRd)
		_ = s.Destroy()
		_ = peer.Close()
		return err
	}

	if err := httpx.CopyBody(peer, sockRd, resp.Headers, respPre); err != nil {
		_ = s.Destroy()
		_ = peer.Close()
		return err
	}
	// The socket consumed exactly one response; anything the client
	// buffered beyond it would corrupt the next exchange.
	if sockRd.Buffered() > 0 {
		_ = s.Destroy()
	}
	_ = peer.Close()
	return nil
}

// bodyExpected reports whether an HTTP/1.x response carries a body at all.
func bodyExpected(method string, status int) bool {
	if method == "HEAD" {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

// rebuildHead serializes a parsed request back to wire bytes, including
// any already-buffered body, for handing to a fallback consumer.
func rebuildHead(req *httpx.RequestLine, prebody []byte) []byte {
	var b bytes.Buffer
	_, _ = req.WriteTo(&b)
	b.Write(prebody)
	return b.Bytes()
}
