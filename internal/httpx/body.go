package httpx

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// BodyLength inspects Content-Length / Transfer-Encoding headers and
// reports how the body following the headers is framed.
func BodyLength(headers []Header) (length int64, chunked bool) {
	if strings.EqualFold(get(headers, "Transfer-Encoding"), "chunked") {
		return 0, true
	}
	cl := get(headers, "Content-Length")
	if cl == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, false
}

// CopyBody streams a request or response body from src to dst, using
// already-buffered bytes (prebuf, from the initial header read) first.
// Because a tunnel socket may be reused for a later, unrelated exchange,
// the copy must stop exactly at the body's end rather than relying on
// EOF: Content-Length bounds a fixed copy, and chunked transfer encoding
// is parsed (not merely forwarded) so its terminating zero-length chunk
// and trailers are recognized.
func CopyBody(dst io.Writer, src *bufio.Reader, headers []Header, prebuf []byte) error {
	length, chunked := BodyLength(headers)
	if chunked {
		return copyChunked(dst, src, prebuf)
	}
	if length <= 0 {
		return nil
	}
	if len(prebuf) > 0 {
		if int64(len(prebuf)) >= length {
			_, err := dst.Write(prebuf[:length])
			return err
		}
		if _, err := dst.Write(prebuf); err != nil {
			return err
		}
		length -= int64(len(prebuf))
	}
	_, err := io.CopyN(dst, src, length)
	return err
}

// copyChunked reads directly off src, never through a second buffering
// layer: wrapping an already-buffered reader would capture bytes past the
// terminating chunk in a throwaway buffer, hiding them from the caller's
// src.Buffered() reuse-safety check. prebuf is consumed first.
func copyChunked(dst io.Writer, src *bufio.Reader, prebuf []byte) error {
	pre := bytes.NewBuffer(prebuf)

	readLine := func() (string, error) {
		if pre.Len() > 0 {
			line, err := pre.ReadString('\n')
			if err == nil {
				return line, nil
			}
			// prebuf ended mid-line; the remainder is on src.
			rest, rerr := src.ReadString('\n')
			if rerr != nil {
				return "", rerr
			}
			return line + rest, nil
		}
		return src.ReadString('\n')
	}
	copyN := func(n int64) error {
		if pre.Len() > 0 {
			m := int64(pre.Len())
			if m > n {
				m = n
			}
			if _, err := io.CopyN(dst, pre, m); err != nil {
				return err
			}
			n -= m
		}
		if n > 0 {
			if _, err := io.CopyN(dst, src, n); err != nil {
				return err
			}
		}
		return nil
	}
	readCRLF := func(b []byte) error {
		n, _ := pre.Read(b)
		if n < len(b) {
			if _, err := io.ReadFull(src, b[n:]); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		sizeLine, err := readLine()
		if err != nil {
			return err
		}
		if _, err := dst.Write([]byte(sizeLine)); err != nil {
			return err
		}
		trimmed := strings.TrimRight(sizeLine, "\r\n")
		if semi := strings.IndexByte(trimmed, ';'); semi != -1 {
			trimmed = trimmed[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(trimmed), 16, 64)
		if err != nil {
			return fmt.Errorf("httpx: bad chunk size %q: %w", trimmed, err)
		}
		if size == 0 {
			for {
				line, err := readLine()
				if err != nil {
					return err
				}
				if _, err := dst.Write([]byte(line)); err != nil {
					return err
				}
				if line == "\r\n" || line == "\n" {
					return nil
				}
			}
		}
		if err := copyN(size); err != nil {
			return err
		}
		crlf := make([]byte, 2)
		if err := readCRLF(crlf); err != nil {
			return err
		}
		if _, err := dst.Write(crlf); err != nil {
			return err
		}
	}
}
