package proxy

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
)

// countingReader counts bytes as they pass through
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// countingBody counts a request or response body and keeps its Close
type countingBody struct {
	countingReader
	closer io.Closer
}

func newCountingBody(rc io.ReadCloser) *countingBody {
	return &countingBody{countingReader: countingReader{r: rc}, closer: rc}
}

func (c *countingBody) Close() error {
	return c.closer.Close()
}

func (c *countingBody) Count() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

// splice copies both directions between the client and the upstream until
// either side finishes, then closes both. clientReader may hold bytes the
// client sent before the tunnel was established. It returns the bytes sent
// upstream and the bytes sent back to the client.
func splice(client net.Conn, clientReader io.Reader, upstream net.Conn) (up, down int64, err error) {
	type result struct {
		n   int64
		err error
	}
	upc := make(chan result, 1)
	downc := make(chan result, 1)

	go func() {
		n, err := io.Copy(upstream, clientReader)
		upc <- result{n, err}
	}()
	go func() {
		n, err := io.Copy(client, upstream)
		downc <- result{n, err}
	}()

	var first result
	select {
	case first = <-upc:
		client.Close()
		upstream.Close()
		second := <-downc
		up, down = first.n, second.n
	case first = <-downc:
		client.Close()
		upstream.Close()
		second := <-upc
		up, down = second.n, first.n
	}

	if first.err != nil && !isExpectedClose(first.err) {
		return up, down, first.err
	}
	return up, down, nil
}

// isExpectedClose reports whether err is a normal end of a tunnel
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
