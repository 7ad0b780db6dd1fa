// Package message defines the immutable Request and Response value types
// exchanged by the connection engine.
package message

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Header is a single ordered (name, value) pair. Using a slice of pairs
// rather than a map preserves construction order and allows duplicate
// header names, matching the invariant that header order as given by the
// caller is preserved all the way down to the wire.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered sequence of header pairs.
type Headers []Header

// Add appends a header pair and returns the extended slice, mirroring the
// append-oriented style callers use to build up a Request.
func (h Headers) Add(name, value string) Headers {
	return append(h, Header{Name: name, Value: value})
}

// Get returns the first value for name (case-insensitive), or "" if absent.
func (h Headers) Get(name string) string {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value
		}
	}
	return ""
}

// Validate checks that every header name/value is wire-safe, using the same
// validators net/http relies on internally.
func (h Headers) Validate() error {
	for _, kv := range h {
		if !httpguts.ValidHeaderFieldName(kv.Name) {
			return fmt.Errorf("invalid header field name %q", kv.Name)
		}
		if !httpguts.ValidHeaderFieldValue(kv.Value) {
			return fmt.Errorf("invalid header field value for %q", kv.Name)
		}
	}
	return nil
}

// Body is the union of acceptable request body shapes: nil (absent), a byte
// slice, a reader exposing blocking Read(p []byte) (int, error), or a
// channel-free chunk iterator. Readable and Chunks are mutually
// exclusive with Bytes; the engine inspects Bytes, Readable, Chunks in
// that order.
type Body struct {
	// Bytes holds a body fully known up front.
	Bytes []byte
	// Readable holds a stream read in fixed-size blocks until EOF.
	Readable io.Reader
	// Chunks holds a pre-chunked iterator; each call returns the next
	// chunk, io.EOF when exhausted. This models the "iterable of chunks"
	// body kind from the data model (e.g. a generator of byte slices).
	Chunks func() ([]byte, error)
}

// IsAbsent reports whether no body was supplied at all.
func (b *Body) IsAbsent() bool {
	return b == nil || (b.Bytes == nil && b.Readable == nil && b.Chunks == nil)
}

// Request is an immutable description of one HTTP/1.x request. The engine
// consumes Body exactly once.
type Request struct {
	Method  string
	Target  string
	Headers Headers
	Body    *Body

	// Scheme/Host/Port are optional metadata attached for proxy/tunnel
	// purposes; they play no role in wire serialization.
	Scheme string
	Host   string
	Port   int
}

// WithHostPort returns a copy of req with proxy/tunnel metadata attached.
func (req Request) WithHostPort(scheme, host string, port int) Request {
	req.Scheme = scheme
	req.Host = host
	req.Port = port
	return req
}

// BytesBody wraps a byte slice as a Body.
func BytesBody(b []byte) *Body {
	if b == nil {
		return nil
	}
	return &Body{Bytes: b}
}

// ReaderBody wraps an io.Reader as a Body.
func ReaderBody(r io.Reader) *Body {
	return &Body{Readable: r}
}

// ChunkBody wraps a chunk-producing function as a Body.
func ChunkBody(next func() ([]byte, error)) *Body {
	return &Body{Chunks: next}
}

// Response describes the metadata of one HTTP/1.x response. Body is not
// part of this struct: per the engine contract, the engine itself is the
// body iterator (see package engine), so Response only ever describes what
// has already arrived: the status line and headers.
type Response struct {
	StatusCode  int
	Headers     Headers
	HTTPVersion string // e.g. "HTTP/1.1"
}
