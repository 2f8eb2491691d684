// Package protocol implements the HTTP/1.1 wire codec used by the
// connection engine: it serializes a request head, parses a response head,
// and decides how the response body is framed.
//
// HTTP/1.1 delimits messages with text, not a length-prefixed header, so
// the receiver has to parse the head first to learn how the body ends:
//
//	HTTP/1.1 200 OK\r\n          ← status line
//	Content-Length: 5\r\n        ← headers decide the body framing
//	\r\n                         ← blank line ends the head
//	hello                        ← body: exactly 5 bytes here
//
// The body may instead be chunked (Transfer-Encoding: chunked), absent
// (HEAD, 204, 304), or delimited by connection close. BodyFraming encodes
// that decision; the connection layer wraps the parser's reader with the
// matching body reader.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go-requests/message"
)

var (
	// ErrMalformedResponse reports a response head that does not parse as
	// HTTP/1.x. The connection it arrived on is no longer usable.
	ErrMalformedResponse = errors.New("malformed http response")
	// ErrHeaderTooLarge reports a status or header line past the line limit.
	ErrHeaderTooLarge = errors.New("header line too large")
)

// maxLineSize bounds a single status or header line. Oversized heads are
// rejected rather than buffered without limit.
const maxLineSize = 8 << 10

// WriteRequestHead serializes the request line, Host, and headers to w,
// ending with the blank line that separates head from body.
//
// The caller must hold the connection's write lock: interleaving two heads
// on one TCP stream corrupts both exchanges.
func WriteRequestHead(w io.Writer, head *message.RequestHead) error {
	if head.Method == "" || strings.ContainsAny(head.Method, " \r\n") {
		return fmt.Errorf("%w: bad method %q", message.ErrInvalidArgument, head.Method)
	}
	target := head.Target
	if target == "" {
		target = "/"
	}
	if strings.ContainsAny(target, " \r\n") {
		return fmt.Errorf("%w: bad target %q", message.ErrInvalidArgument, target)
	}

	var b strings.Builder
	b.WriteString(head.Method)
	b.WriteByte(' ')
	b.WriteString(target)
	b.WriteString(" HTTP/1.1\r\n")

	// Host comes first and is written exactly once, whatever the header
	// map contains.
	b.WriteString("Host: ")
	b.WriteString(head.Host)
	b.WriteString("\r\n")

	for key, values := range head.Header {
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(v, "\r\n") {
				return fmt.Errorf("%w: header %q contains CR/LF", message.ErrInvalidArgument, key)
			}
			b.WriteString(key)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// ReadResponseHead parses one response head from br: the status line, then
// headers up to the blank line. Interim 1xx heads are skipped here so the
// caller always gets the final head of the exchange.
func ReadResponseHead(br *bufio.Reader) (*message.ResponseHead, error) {
	for {
		head, err := readSingleHead(br)
		if err != nil {
			return nil, err
		}
		if head.IsInformational() {
			continue
		}
		return head, nil
	}
}

func readSingleHead(br *bufio.Reader) (*message.ResponseHead, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}

	// Status line: HTTP-version SP status-code SP reason-phrase
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedResponse, line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedResponse, codeStr)
	}

	header := make(message.Header)
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedResponse, line)
		}
		header.Add(key, strings.TrimSpace(value))
	}

	return &message.ResponseHead{
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Header:     header,
	}, nil
}

// readLine reads one CRLF-terminated line, tolerating bare LF, with the
// line-size limit applied. An EOF mid-line is a protocol error: the peer
// hung up inside a message.
func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("%w: unexpected EOF", ErrMalformedResponse)
			}
			return "", err
		}
		if b == '\n' {
			return sb.String(), nil
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if sb.Len() > maxLineSize {
			return "", ErrHeaderTooLarge
		}
	}
}

// BodyKind says how the response body is delimited on the wire.
type BodyKind int

const (
	BodyNone       BodyKind = iota // no body bytes follow the head
	BodyChunked                    // Transfer-Encoding: chunked
	BodyLength                     // exactly Length bytes
	BodyUntilClose                 // body runs until the peer closes
)

// BodyFraming is the framing decision for one response.
type BodyFraming struct {
	Kind   BodyKind
	Length int64 // valid when Kind == BodyLength
}

// Reusable reports whether the connection can carry another exchange after
// this body is fully consumed. A close-delimited body by definition ends
// with the connection.
func (f BodyFraming) Reusable() bool { return f.Kind != BodyUntilClose }

// DecideBodyFraming applies RFC 9112 §6: no-body statuses and HEAD first,
// then Transfer-Encoding, then Content-Length, else close-delimited.
func DecideBodyFraming(head *message.ResponseHead, method string) (BodyFraming, error) {
	switch {
	case method == "HEAD",
		head.StatusCode >= 100 && head.StatusCode < 200,
		head.StatusCode == 204,
		head.StatusCode == 304:
		return BodyFraming{Kind: BodyNone}, nil
	}
	for _, te := range head.Header.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(te), "chunked") {
			return BodyFraming{Kind: BodyChunked}, nil
		}
	}
	if cl := head.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return BodyFraming{}, fmt.Errorf("%w: content-length %q", ErrMalformedResponse, cl)
		}
		return BodyFraming{Kind: BodyLength, Length: n}, nil
	}
	return BodyFraming{Kind: BodyUntilClose}, nil
}

// NewBodyReader wraps br according to the framing decision. The returned
// reader yields io.EOF exactly at the end of this message's body.
func NewBodyReader(br *bufio.Reader, framing BodyFraming) io.Reader {
	switch framing.Kind {
	case BodyNone:
		return strings.NewReader("")
	case BodyChunked:
		return NewChunkedReader(br)
	case BodyLength:
		return &lengthReader{br: br, remain: framing.Length}
	default:
		return &untilCloseReader{br: br}
	}
}

// lengthReader yields exactly remain bytes, turning a short stream into a
// protocol error instead of a silent truncation.
type lengthReader struct {
	br     *bufio.Reader
	remain int64
}

func (r *lengthReader) Read(p []byte) (int, error) {
	if r.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.br.Read(p)
	r.remain -= int64(n)
	if err == io.EOF && r.remain > 0 {
		err = fmt.Errorf("%w: body truncated", ErrMalformedResponse)
	}
	return n, err
}

// untilCloseReader reads to EOF; a clean close is the end of the body.
type untilCloseReader struct{ br *bufio.Reader }

func (r *untilCloseReader) Read(p []byte) (int, error) { return r.br.Read(p) }
