package transport

import (
	"errors"
	"io"

	"go-requests/message"
	"go-requests/protocol"
)

// maxDrainOnRelease bounds how much unread body a release will consume to
// keep the connection reusable. Past that, closing the connection is
// cheaper than reading a body nobody wants.
const maxDrainOnRelease = 64 << 10

// ResponseStream is the handle an exchange returns: the head is already
// parsed, the body is pending on the wire. It holds the connection's read
// lock until released, and shares ownership of the Connection with the
// pool — a dropped pool does not invalidate a live stream.
type ResponseStream struct {
	conn    *Connection
	head    *message.ResponseHead
	framing protocol.BodyFraming
	body    io.Reader

	done     bool // body fully consumed
	broken   bool // body reader failed; wire position unknown
	released bool
}

// StatusCode returns the response status.
func (s *ResponseStream) StatusCode() int { return s.head.StatusCode }

// Reason returns the status reason phrase.
func (s *ResponseStream) Reason() string { return s.head.Reason }

// Proto returns the response HTTP version.
func (s *ResponseStream) Proto() string { return s.head.Proto }

// Header returns the response headers.
func (s *ResponseStream) Header() message.Header { return s.head.Header }

// Head returns the full parsed head.
func (s *ResponseStream) Head() *message.ResponseHead { return s.head }

// Read streams body bytes. It returns io.EOF exactly at the end of the
// message body; the stream must still be Closed to release the
// connection.
func (s *ResponseStream) Read(p []byte) (int, error) {
	if s.released {
		return 0, errors.New("read on released response stream")
	}
	if s.done {
		return 0, io.EOF
	}
	n, err := s.conn.readBodySome(s.body, p)
	switch {
	case err == io.EOF:
		s.done = true
	case err != nil:
		// Transport or protocol failure mid-body: the connection is no
		// longer usable.
		s.broken = true
		s.conn.failExchange(err)
		err = wrapIOError(err)
	}
	return n, err
}

// Close releases the exchange: it decrements the connection's ongoing
// counter and returns the read lock. If body bytes are still on the wire
// it drains a bounded amount to keep the connection reusable; beyond
// that, or when the body is close-delimited, the connection is closed
// instead.
func (s *ResponseStream) Close() error {
	if s.released {
		return nil
	}
	s.released = true

	reusable := s.framing.Reusable() && !s.broken
	if reusable && !s.done {
		reusable = s.drain()
	}
	s.conn.finishExchange(reusable)
	return nil
}

// drain consumes the remaining body up to maxDrainOnRelease bytes.
// Returns false if the body did not end within the budget or errored.
func (s *ResponseStream) drain() bool {
	buf := make([]byte, 4<<10)
	var total int
	for total < maxDrainOnRelease {
		n, err := s.conn.readBodySome(s.body, buf)
		total += n
		if err == io.EOF {
			s.done = true
			return true
		}
		if err != nil {
			s.broken = true
			return false
		}
	}
	return false
}
