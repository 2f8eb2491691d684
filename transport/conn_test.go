package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-requests/body"
	"go-requests/cookie"
	"go-requests/message"
	"go-requests/protocol"
	"go-requests/resolve"
)

// startOrigin runs a scripted HTTP origin on a loopback listener; handle
// is invoked once per accepted connection.
func startOrigin(t *testing.T, handle func(net.Conn)) resolve.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				handle(c)
			}(conn)
		}
	}()
	return resolve.Endpoint{Network: "tcp", Addr: ln.Addr().String()}
}

// readHead reads request lines up to the blank line.
func readHead(br *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func headerValue(lines []string, name string) string {
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func newTestConn(t *testing.T, ep resolve.Endpoint, cfg Config) *Connection {
	t.Helper()
	conn := NewConnection(NewTCP(time.Second), cfg)
	require.NoError(t, conn.SetHost("example.test"))
	require.NoError(t, conn.Connect(context.Background(), ep))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectionExchange(t *testing.T) {
	heads := make(chan []string, 1)
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		lines, err := readHead(br)
		if err != nil {
			return
		}
		heads <- lines
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nKeep-Alive: timeout=5, max=10\r\n\r\nhello")
	})

	conn := newTestConn(t, ep, Config{})
	assert.True(t, conn.IsOpen())
	assert.Equal(t, ep, conn.Endpoint())

	stream, err := conn.Open(context.Background(), "GET", "/", nil, message.Settings{})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.WorkingRequests())
	assert.Equal(t, 200, stream.StatusCode())
	assert.Equal(t, "OK", stream.Reason())

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, stream.Close())

	// Releasing the stream restores the counter and leaves the
	// keep-alive deadline in the future.
	assert.Equal(t, 0, conn.WorkingRequests())
	assert.True(t, conn.Timeout().After(time.Now()))
	assert.False(t, conn.Expired(time.Now()))

	lines := <-heads
	assert.Equal(t, "GET / HTTP/1.1", lines[0])
	assert.Equal(t, "example.test", headerValue(lines, "Host"))
}

func TestConnectionPipelinedOrdering(t *testing.T) {
	// The origin answers each request with its own path, in arrival
	// order. If request/response pairing ever slipped, a stream would
	// see another request's path as its body.
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		for {
			lines, err := readHead(br)
			if err != nil {
				return
			}
			path := strings.Split(lines[0], " ")[1]
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: "+strconv.Itoa(len(path))+"\r\n\r\n"+path)
		}
	})

	conn := newTestConn(t, ep, Config{})

	var wg sync.WaitGroup
	for _, path := range []string{"/a", "/b", "/c"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			stream, err := conn.Open(context.Background(), "GET", path, nil, message.Settings{})
			if !assert.NoError(t, err, path) {
				return
			}
			defer stream.Close()
			data, err := io.ReadAll(stream)
			if assert.NoError(t, err, path) {
				assert.Equal(t, path, string(data))
			}
		}(path)
	}
	wg.Wait()
	assert.Equal(t, 0, conn.WorkingRequests())
}

func TestConnectionPostBody(t *testing.T) {
	heads := make(chan []string, 1)
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		lines, err := readHead(br)
		if err != nil {
			return
		}
		heads <- lines
		n, _ := strconv.Atoi(headerValue(lines, "Content-Length"))
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			return
		}
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: "+strconv.Itoa(n)+"\r\n\r\n"+string(payload))
	})

	conn := newTestConn(t, ep, Config{})
	stream, err := conn.Open(context.Background(), "POST", "/submit",
		body.String{Value: "hello"}, message.Settings{})
	require.NoError(t, err)
	defer stream.Close()

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	lines := <-heads
	assert.Equal(t, "5", headerValue(lines, "Content-Length"))
	assert.Equal(t, "text/plain; charset=utf-8", headerValue(lines, "Content-Type"))
}

func TestConnectionChunkedRequestBody(t *testing.T) {
	received := make(chan string, 1)
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		lines, err := readHead(br)
		if err != nil {
			return
		}
		if !strings.EqualFold(headerValue(lines, "Transfer-Encoding"), "chunked") {
			received <- "MISSING-TE"
			return
		}
		data, err := io.ReadAll(protocol.NewChunkedReader(br))
		if err != nil {
			received <- "BROKEN: " + err.Error()
			return
		}
		received <- string(data)
		io.WriteString(c, "HTTP/1.1 204 No Content\r\n\r\n")
	})

	conn := newTestConn(t, ep, Config{})
	stream, err := conn.Open(context.Background(), "POST", "/stream",
		&body.Reader{R: strings.NewReader("streamed payload")}, message.Settings{})
	require.NoError(t, err)
	assert.Equal(t, 204, stream.StatusCode())
	require.NoError(t, stream.Close())

	assert.Equal(t, "streamed payload", <-received)
}

func TestConnectionProtocolErrorCloses(t *testing.T) {
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		if _, err := readHead(br); err != nil {
			return
		}
		io.WriteString(c, "GARBAGE NONSENSE\r\n\r\n")
	})

	conn := newTestConn(t, ep, Config{})
	_, err := conn.Open(context.Background(), "GET", "/", nil, message.Settings{})
	assert.ErrorIs(t, err, protocol.ErrMalformedResponse)
	assert.False(t, conn.IsOpen(), "protocol errors are fatal for the connection")
	assert.Equal(t, 0, conn.WorkingRequests())
}

func TestConnectionEOFMidMessageCloses(t *testing.T) {
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		readHead(br)
		// Hang up without answering.
	})

	conn := newTestConn(t, ep, Config{})
	_, err := conn.Open(context.Background(), "GET", "/", nil, message.Settings{})
	assert.ErrorIs(t, err, protocol.ErrMalformedResponse)
	assert.False(t, conn.IsOpen())
}

func TestConnectionReadTimeoutCloses(t *testing.T) {
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		readHead(br)
		time.Sleep(2 * time.Second) // never answer within the deadline
	})

	conn := newTestConn(t, ep, Config{ReadTimeout: 100 * time.Millisecond})
	_, err := conn.Open(context.Background(), "GET", "/", nil, message.Settings{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, conn.IsOpen())
	assert.Equal(t, 0, conn.WorkingRequests())
}

func TestConnectionCancelledWaitingForReadLockCloses(t *testing.T) {
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		for {
			if _, err := readHead(br); err != nil {
				return
			}
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
		}
	})

	conn := newTestConn(t, ep, Config{})

	// First exchange holds the read lock by keeping its stream open.
	stream, err := conn.Open(context.Background(), "GET", "/hold", nil, message.Settings{})
	require.NoError(t, err)

	// Second exchange writes its head, then gives up waiting for the
	// read lock. Its head is already on the wire, so the connection has
	// to go down with it.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = conn.Open(ctx, "GET", "/cancelled", nil, message.Settings{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, conn.IsOpen())

	stream.Close()
	assert.Equal(t, 0, conn.WorkingRequests())
}

func TestConnectionRetiredByConnectionClose(t *testing.T) {
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		if _, err := readHead(br); err != nil {
			return
		}
		io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
	})

	conn := newTestConn(t, ep, Config{})
	stream, err := conn.Open(context.Background(), "GET", "/", nil, message.Settings{})
	require.NoError(t, err)
	io.Copy(io.Discard, stream)
	stream.Close()

	assert.True(t, conn.Expired(time.Now()), "Connection: close must retire the connection")
}

func TestConnectionCookieRoundTrip(t *testing.T) {
	heads := make(chan []string, 1)
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		for {
			lines, err := readHead(br)
			if err != nil {
				return
			}
			heads <- lines
			io.WriteString(c, "HTTP/1.1 200 OK\r\nSet-Cookie: session=xyz\r\nContent-Length: 0\r\n\r\n")
		}
	})

	jar := cookie.NewMemoryJar()
	conn := newTestConn(t, ep, Config{})

	stream, err := conn.Open(context.Background(), "GET", "/login", nil, message.Settings{Jar: jar})
	require.NoError(t, err)
	stream.Close()

	// No cookie on the first request, but the response's Set-Cookie
	// must have landed in the jar.
	lines := <-heads
	assert.Equal(t, "", headerValue(lines, "Cookie"))

	stream, err = conn.Open(context.Background(), "GET", "/account", nil, message.Settings{Jar: jar})
	require.NoError(t, err)
	stream.Close()

	lines = <-heads
	assert.Equal(t, "session=xyz", headerValue(lines, "Cookie"))
}

func TestConnectionInvalidRequestKeepsConnection(t *testing.T) {
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		for {
			if _, err := readHead(br); err != nil {
				return
			}
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
		}
	})

	conn := newTestConn(t, ep, Config{})
	_, err := conn.Open(context.Background(), "BAD METHOD", "/", nil, message.Settings{})
	assert.ErrorIs(t, err, message.ErrInvalidArgument)

	// Validation failures never reach the wire; the connection stays
	// usable.
	assert.True(t, conn.IsOpen())
	stream, err := conn.Open(context.Background(), "GET", "/", nil, message.Settings{})
	require.NoError(t, err)
	stream.Close()
}

func TestConnectionEndpointSetOncePerLifetime(t *testing.T) {
	ep := startOrigin(t, func(c net.Conn) {
		io.Copy(io.Discard, c)
	})
	conn := newTestConn(t, ep, Config{})
	assert.Error(t, conn.Connect(context.Background(), ep), "connect on an open connection must fail")
}

func TestConnectionReleaseDrainsSmallBody(t *testing.T) {
	ep := startOrigin(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		for {
			if _, err := readHead(br); err != nil {
				return
			}
			io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n0123456789")
		}
	})

	conn := newTestConn(t, ep, Config{})
	stream, err := conn.Open(context.Background(), "GET", "/", nil, message.Settings{})
	require.NoError(t, err)
	// Release without reading: the unread body is drained and the
	// connection stays reusable.
	require.NoError(t, stream.Close())
	assert.True(t, conn.IsOpen())

	stream, err = conn.Open(context.Background(), "GET", "/", nil, message.Settings{})
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	stream.Close()
}
