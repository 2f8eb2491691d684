// Package body defines the streaming contract between a request body value
// and the connection writer.
//
// A Body reports how it is framed (a known length for Content-Length,
// unknown for Transfer-Encoding: chunked) plus its content type, and can
// push its bytes into the writer. The writer never buffers a whole body.
package body

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
)

// Body is the trait set the connection writer consults when composing a
// request: framing, content type, and a push-source for the bytes.
type Body interface {
	// Length returns the body size in bytes. ok=false means the size is
	// unknown up front and the body must be sent chunked.
	Length() (n int64, ok bool)
	// ContentType returns the Content-Type to set, or "" for none.
	ContentType() string
	// WriteBody pushes the entire body into w.
	WriteBody(w io.Writer) error
}

// Empty is the body of a GET/HEAD-style request: zero bytes, no type.
type Empty struct{}

func (Empty) Length() (int64, bool)     { return 0, true }
func (Empty) ContentType() string       { return "" }
func (Empty) WriteBody(io.Writer) error { return nil }

// String sends a text payload. Type defaults to text/plain.
type String struct {
	Value string
	Type  string
}

func (s String) Length() (int64, bool) { return int64(len(s.Value)), true }

func (s String) ContentType() string {
	if s.Type != "" {
		return s.Type
	}
	return "text/plain; charset=utf-8"
}

func (s String) WriteBody(w io.Writer) error {
	_, err := io.Copy(w, strings.NewReader(s.Value))
	return err
}

// Bytes sends a raw byte payload.
type Bytes struct {
	Value []byte
	Type  string
}

func (b Bytes) Length() (int64, bool) { return int64(len(b.Value)), true }

func (b Bytes) ContentType() string {
	if b.Type != "" {
		return b.Type
	}
	return "application/octet-stream"
}

func (b Bytes) WriteBody(w io.Writer) error {
	_, err := io.Copy(w, bytes.NewReader(b.Value))
	return err
}

// File streams a file from disk. The size is taken from the filesystem at
// write time, so Length stats the file; a file that changes size between
// Length and WriteBody corrupts the exchange, as it would in any client.
type File struct {
	Path string
	Type string
}

func (f File) Length() (int64, bool) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

func (f File) ContentType() string {
	if f.Type != "" {
		return f.Type
	}
	return "application/octet-stream"
}

func (f File) WriteBody(w io.Writer) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(w, file)
	return err
}

// Reader streams from an arbitrary io.Reader. Its length is unknown, so
// it goes on the wire chunked. A Reader body can be written once; the
// second attempt fails instead of silently sending an empty body.
type Reader struct {
	R    io.Reader
	Type string

	used atomic.Bool
}

func (r *Reader) Length() (int64, bool) { return 0, false }

func (r *Reader) ContentType() string {
	if r.Type != "" {
		return r.Type
	}
	return "application/octet-stream"
}

func (r *Reader) WriteBody(w io.Writer) error {
	if r.used.Swap(true) {
		return fmt.Errorf("reader body already consumed")
	}
	_, err := io.Copy(w, r.R)
	return err
}
