// Package httpx is a minimal HTTP/1.x start-line-and-headers parser that
// preserves header order and duplicates exactly as seen on the wire. It
// exists because net/http's Header is an unordered map: the raw upgrade
// bridge must reconstruct a byte-identical preamble, and some tunnel
// clients depend on header order surviving the hop.
package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Header is a single wire-order header field.
type Header struct {
	Name  string
	Value string
}

// RequestLine holds a parsed HTTP request start line plus ordered headers.
type RequestLine struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
	// Body holds any bytes read past the header terminator by the reader
	// (e.g. the start of a chunked or fixed-length body already buffered).
	Body []byte
}

// StatusLine holds a parsed HTTP response start line plus ordered headers.
type StatusLine struct {
	Proto      string
	StatusCode int
	StatusText string
	Headers    []Header
	Body       []byte
}

func get(headers []Header, name string) string {
	lname := strings.ToLower(name)
	for _, h := range headers {
		if strings.ToLower(h.Name) == lname {
			return h.Value
		}
	}
	return ""
}

func del(headers []Header, name string) []Header {
	lname := strings.ToLower(name)
	out := headers[:0]
	for _, h := range headers {
		if strings.ToLower(h.Name) != lname {
			out = append(out, h)
		}
	}
	return out
}

// Get returns the first value for name (case-insensitive), or "".
func (r *RequestLine) Get(name string) string { return get(r.Headers, name) }

// Del removes all headers matching name (case-insensitive).
func (r *RequestLine) Del(name string) { r.Headers = del(r.Headers, name) }

// Get returns the first value for name (case-insensitive), or "".
func (s *StatusLine) Get(name string) string { return get(s.Headers, name) }

const maxStartLineFields = 3

// ParseRequest reads from r until the blank line terminating the headers is
// seen, or max bytes are exceeded. prefill is prepended to whatever is read
// (bytes already consumed from the connection by an earlier peek, e.g. a
// PROXY protocol line).
func ParseRequest(r *bufio.Reader, max int, prefill []byte) (*RequestLine, error) {
	buf, err := readUntilHeaderEnd(r, max, prefill)
	if err != nil {
		return nil, err
	}
	headerPart, bodyStart := splitHeaderBody(buf)
	lines, err := splitLines(headerPart)
	if err != nil {
		return nil, err
	}
	fields := strings.SplitN(lines[0], " ", maxStartLineFields)
	if len(fields) < 3 {
		return nil, fmt.Errorf("httpx: bad request line %q", lines[0])
	}
	rl := &RequestLine{Method: fields[0], URI: fields[1], Proto: fields[2]}
	rl.Headers = parseHeaderLines(lines[1:])
	if len(bodyStart) > 0 {
		rl.Body = bodyStart
	}
	return rl, nil
}

// ParseResponse reads an HTTP/1.x response start line and headers from r,
// mirroring ParseRequest. It is used by the HTTP injector to read the
// client's reply off a borrowed tunnel socket without dialing a second
// connection or pulling in a full HTTP client.
func ParseResponse(r *bufio.Reader, max int) (*StatusLine, error) {
	buf, err := readUntilHeaderEnd(r, max, nil)
	if err != nil {
		return nil, err
	}
	headerPart, bodyStart := splitHeaderBody(buf)
	lines, err := splitLines(headerPart)
	if err != nil {
		return nil, err
	}
	fields := strings.SplitN(lines[0], " ", maxStartLineFields)
	if len(fields) < 2 {
		return nil, fmt.Errorf("httpx: bad status line %q", lines[0])
	}
	var code int
	if _, err := fmt.Sscanf(fields[1], "%d", &code); err != nil {
		return nil, fmt.Errorf("httpx: bad status code %q: %w", fields[1], err)
	}
	text := ""
	if len(fields) > 2 {
		text = fields[2]
	}
	sl := &StatusLine{Proto: fields[0], StatusCode: code, StatusText: text}
	sl.Headers = parseHeaderLines(lines[1:])
	if len(bodyStart) > 0 {
		sl.Body = bodyStart
	}
	return sl, nil
}

func readUntilHeaderEnd(r *bufio.Reader, max int, prefill []byte) ([]byte, error) {
	buf := append([]byte{}, prefill...)
	for {
		if hasHeaderEnd(buf) {
			return buf, nil
		}
		if len(buf) > max {
			return nil, fmt.Errorf("httpx: header too large (%d>%d)", len(buf), max)
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			buf = append(buf, line...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, err
		}
	}
}

func hasHeaderEnd(b []byte) bool {
	return bytes.Contains(b, []byte("\r\n\r\n")) || bytes.Contains(b, []byte("\n\n"))
}

func splitHeaderBody(buf []byte) (header, body []byte) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx != -1 {
		return buf[:idx+4], buf[idx+4:]
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx != -1 {
		return buf[:idx+2], buf[idx+2:]
	}
	return buf, nil
}

func splitLines(headerPart []byte) ([]string, error) {
	reader := bufio.NewReader(bytes.NewReader(headerPart))
	var lines []string
	first, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	first = strings.TrimRight(first, "\r\n")
	if first == "" {
		return nil, errors.New("httpx: empty start line")
	}
	lines = append(lines, first)
	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
		if err != nil {
			break
		}
		if trimmed == "" {
			break
		}
	}
	return lines, nil
}

func parseHeaderLines(lines []string) []Header {
	var headers []Header
	for _, line := range lines {
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		name := line[:colon]
		value := strings.TrimSpace(line[colon+1:])
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers
}

// WriteTo serializes the request line, headers, and any already-buffered
// body bytes to w, in wire order.
func (r *RequestLine) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}
	if err := write([]byte(fmt.Sprintf("%s %s %s\r\n", r.Method, r.URI, r.Proto))); err != nil {
		return total, err
	}
	for _, h := range r.Headers {
		if err := write([]byte(h.Name + ": " + h.Value + "\r\n")); err != nil {
			return total, err
		}
	}
	if err := write([]byte("\r\n")); err != nil {
		return total, err
	}
	if len(r.Body) > 0 {
		if err := write(r.Body); err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteTo serializes the status line, headers, and any already-buffered
// body bytes to w, in wire order.
func (s *StatusLine) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}
	text := s.StatusText
	if text == "" {
		text = "Status"
	}
	if err := write([]byte(fmt.Sprintf("%s %d %s\r\n", s.Proto, s.StatusCode, text))); err != nil {
		return total, err
	}
	for _, h := range s.Headers {
		if err := write([]byte(h.Name + ": " + h.Value + "\r\n")); err != nil {
			return total, err
		}
	}
	if err := write([]byte("\r\n")); err != nil {
		return total, err
	}
	if len(s.Body) > 0 {
		if err := write(s.Body); err != nil {
			return total, err
		}
	}
	return total, nil
}

// AugmentXFF appends clientIP to an existing X-Forwarded-For header, or
// adds one. Appending rather than replacing keeps multi-hop chains intact.
func (r *RequestLine) AugmentXFF(clientIP string) {
	if clientIP == "" {
		return
	}
	lname := "x-forwarded-for"
	for i, h := range r.Headers {
		if strings.ToLower(h.Name) == lname {
			r.Headers[i].Value = h.Value + ", " + clientIP
			return
		}
	}
	r.Headers = append(r.Headers, Header{Name: "X-Forwarded-For", Value: clientIP})
}

// RemoteIP extracts the IP portion of c's remote address.
func RemoteIP(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
