// Package httpcore provides a synchronous, single-connection HTTP/1.x
// client engine built directly over a non-blocking socket and a readiness
// selector, plus a lazy multipart/form-data streaming encoder. It does not
// do connection pooling, redirects, cookies, or URL parsing - callers
// layer those on top of one or more Connections.
package httpcore

import (
	"io"

	"github.com/WhileEndless/go-httpcore/pkg/engine"
	"github.com/WhileEndless/go-httpcore/pkg/errors"
	"github.com/WhileEndless/go-httpcore/pkg/message"
	"github.com/WhileEndless/go-httpcore/pkg/multipart"
)

// Version is the current version of this module.
const Version = "1.0.0"

// GetVersion returns the current version string.
func GetVersion() string {
	return Version
}

// Re-export the core types so callers only need to import this package for
// everyday use; the pkg/* subpackages remain importable directly for
// advanced use (custom protocol.StateMachine implementations, a custom
// diag.Sink, and so on).
type (
	// Connection is one HTTP/1.x client connection: socket lifecycle,
	// CONNECT tunneling, TLS wrapping, and the send/receive loops for one
	// exchange at a time.
	Connection = engine.Connection

	// ConnectConfig configures a Connection's Connect call.
	ConnectConfig = engine.ConnectConfig

	// TunnelConfig configures a CONNECT proxy to tunnel through.
	TunnelConfig = engine.TunnelConfig

	// FailedTunnelError reports a non-200 response to a CONNECT request.
	FailedTunnelError = engine.FailedTunnelError

	// Request describes one HTTP/1.x request.
	Request = message.Request

	// Response describes the metadata of one HTTP/1.x response; its body
	// is read via the owning Connection's Next method.
	Response = message.Response

	// Header is a single ordered header pair.
	Header = message.Header

	// Headers is an ordered sequence of header pairs.
	Headers = message.Headers

	// Body is the union of acceptable request body shapes.
	Body = message.Body

	// MultipartField is one field of a multipart/form-data body.
	MultipartField = multipart.Field

	// MultipartEncoder lazily streams a multipart/form-data body.
	MultipartEncoder = multipart.Encoder

	// Error is the structured error type every failure in this module is
	// returned as.
	Error = errors.Error

	// ErrorType names the category of an Error.
	ErrorType = errors.ErrorType
)

// Re-export error type constants for convenience.
const (
	ErrorTypeConnectTimeout = errors.ErrorTypeConnectTimeout
	ErrorTypeNewConnection  = errors.ErrorTypeNewConnection
	ErrorTypeFailedTunnel   = errors.ErrorTypeFailedTunnel
	ErrorTypeBadVersion     = errors.ErrorTypeBadVersion
	ErrorTypeInvalidBody    = errors.ErrorTypeInvalidBody
	ErrorTypeProtocol       = errors.ErrorTypeProtocol
	ErrorTypeReadTimeout    = errors.ErrorTypeReadTimeout
	ErrorTypeIO             = errors.ErrorTypeIO
	ErrorTypeTLS            = errors.ErrorTypeTLS
	ErrorTypeValidation     = errors.ErrorTypeValidation
)

// NewConnection returns an idle Connection targeting host:port. Call
// Connect before SendRequest.
func NewConnection(host string, port int) *Connection {
	return engine.New(host, port)
}

// NewMultipartEncoder returns an Encoder over fields. If boundary is empty
// a random one is generated; if chunkSize is <= 0 a default is used.
func NewMultipartEncoder(fields []MultipartField, boundary string, chunkSize int) *MultipartEncoder {
	return multipart.New(fields, boundary, chunkSize)
}

// BytesBody wraps a byte slice as a request Body.
func BytesBody(b []byte) *Body { return message.BytesBody(b) }

// ReaderBody wraps a blocking io.Reader as a request Body.
func ReaderBody(r io.Reader) *Body { return message.ReaderBody(r) }

// ChunkBody wraps a chunk-producing function as a request Body.
func ChunkBody(next func() ([]byte, error)) *Body { return message.ChunkBody(next) }
