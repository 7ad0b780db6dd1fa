// Package engine drives one TCP (optionally CONNECT-tunneled, optionally
// TLS-wrapped) connection through one HTTP/1.x exchange at a time, over a
// single non-blocking socket multiplexed by its own readiness selector. It
// never spawns a goroutine per connection; every suspension point is a
// selector.Select call the caller's own goroutine blocks in.
package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/WhileEndless/go-httpcore/pkg/constants"
	"github.com/WhileEndless/go-httpcore/pkg/diag"
	httperrors "github.com/WhileEndless/go-httpcore/pkg/errors"
	"github.com/WhileEndless/go-httpcore/pkg/message"
	"github.com/WhileEndless/go-httpcore/pkg/netio"
	"github.com/WhileEndless/go-httpcore/pkg/protocol"
	"github.com/WhileEndless/go-httpcore/pkg/selector"
	"github.com/WhileEndless/go-httpcore/pkg/tlsconfig"
)

// Connection is a single-exchange-at-a-time HTTP/1.x client connection.
// It owns its socket, its selector and its protocol state machine
// exclusively; none of the three is ever touched from outside. A
// Connection is not safe for concurrent use.
type Connection struct {
	host string
	port int

	tunnel *TunnelConfig

	sel  *selector.Selector
	sock socket
	raw  *netio.Conn
	sm   protocol.StateMachine

	readTimeout time.Duration
	verified    bool
	diagSink    diag.Sink

	// bodyActive is true between a SendRequest call returning a Response
	// and that response's body being fully consumed via Next. The
	// response's body handle aliases the Connection itself; Next is a
	// programming error to call outside this window.
	bodyActive bool
}

// New returns an idle Connection for host:port. Connect must be called
// before SendRequest.
func New(host string, port int) *Connection {
	return &Connection{host: host, port: port}
}

// WithTunnel configures tun as the CONNECT proxy to tunnel through. It only
// takes effect when Connect is called with a non-nil TLSConfig - tunneling
// without TLS is never exercised by this engine.
func (c *Connection) WithTunnel(tun TunnelConfig) *Connection {
	c.tunnel = &tun
	return c
}

// Verified reports whether the peer certificate was successfully pinned or
// hostname-verified during the last Connect. Meaningless before Connect or
// for a plaintext connection.
func (c *Connection) Verified() bool { return c.verified }

// Connect is idempotent: once a socket exists, subsequent calls are no-ops.
func (c *Connection) Connect(ctx context.Context, cfg ConnectConfig) error {
	if c.sock != nil {
		return nil
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = constants.DefaultConnTimeout
	}

	raw, err := netio.DialTCP(ctx, fmt.Sprintf("%s:%d", c.host, c.port), timeout)
	if err != nil {
		if httperrors.IsTimeout(err) {
			return httperrors.NewConnectTimeout(c.host, c.port, err)
		}
		return httperrors.NewNewConnectionError(c.host, c.port, err)
	}

	if !cfg.DisableNodelay {
		// Best-effort; a platform that rejects this option still gets a
		// working, merely Nagle-delayed connection.
		_ = unix.SetsockoptInt(raw.FD(), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}

	c.raw = raw
	c.sel = selector.New()
	c.sm = protocol.NewHTTP1()
	c.diagSink = diag.Default()

	if cfg.TLSConfig != nil && c.tunnel != nil {
		if terr := c.tunnelConnect(ctx, raw, c.tunnel); terr != nil {
			raw.Close()
			c.raw = nil
			return terr
		}
	}

	if cfg.TLSConfig != nil {
		serverName := cfg.AssertHostname
		if serverName == "" {
			if c.tunnel != nil {
				serverName = c.tunnel.Host
			} else {
				serverName = c.host
			}
		}
		if cfg.VersionProfile != nil {
			tlsconfig.ApplyVersionProfile(cfg.TLSConfig, *cfg.VersionProfile)
			tlsconfig.ApplyCipherSuites(cfg.TLSConfig, cfg.TLSConfig.MinVersion)
		}
		result, terr := netio.WrapTLS(ctx, raw, cfg.TLSConfig, serverName, cfg.Fingerprint, cfg.SkipHostnameVerification, c.diagSink)
		if terr != nil {
			raw.Close()
			c.raw = nil
			return terr
		}
		c.sock = &tlsSocket{conn: result.Conn, raw: raw}
		c.verified = result.Verified
	} else {
		c.sock = &plainSocket{conn: raw}
	}

	if err := c.sel.Register(c.sock.fd(), selector.Readable|selector.Writable); err != nil {
		return err
	}
	return nil
}

// SendRequest requires the state machine to be at (Idle, Idle); serializes
// and uploads req (subject to send-unless-readable pre-emption), then reads
// until the response header block has fully arrived. The returned
// Response's body must be drained via Next before SendRequest is called
// again.
func (c *Connection) SendRequest(ctx context.Context, req *message.Request, readTimeout time.Duration) (*message.Response, error) {
	if c.sock == nil {
		return nil, httperrors.NewProtocolError("send_request called before connect")
	}
	if c.sm.OurState() != protocol.Idle || c.sm.TheirState() != protocol.Idle {
		return nil, httperrors.NewProtocolError(fmt.Sprintf(
			"send_request requires (IDLE, IDLE), got (%s, %s)", c.sm.OurState(), c.sm.TheirState()))
	}

	c.readTimeout = readTimeout

	if err := req.Headers.Validate(); err != nil {
		return nil, httperrors.NewInvalidBody(err.Error())
	}

	if err := c.sel.Modify(c.sock.fd(), selector.Readable|selector.Writable); err != nil {
		return nil, err
	}

	preempted, err := c.uploadRequest(req)
	if err != nil {
		c.Close()
		return nil, err
	}
	_ = preempted // the receive loop below proceeds identically either way

	if err := c.sel.Modify(c.sock.fd(), selector.Readable); err != nil {
		c.Close()
		return nil, err
	}

	var timeoutPtr *time.Duration
	if readTimeout > 0 {
		timeoutPtr = &readTimeout
	}

	event, err := readUntilEvent(c.sel, c.sock, c.sm, timeoutPtr)
	if err != nil {
		c.Close()
		return nil, err
	}
	if event.Kind == protocol.EventConnectionClosed {
		c.Close()
		return nil, httperrors.NewIOError("recv", io.ErrUnexpectedEOF)
	}
	if event.Kind != protocol.EventResponseKind {
		c.Close()
		return nil, httperrors.NewProtocolError(fmt.Sprintf("unexpected event kind %d while awaiting response", event.Kind))
	}

	version := strings.TrimPrefix(event.HTTPVersion, "HTTP/")
	if version != "1.0" && version != "1.1" {
		c.Close()
		return nil, httperrors.NewBadVersion(version)
	}

	c.bodyActive = true
	return &message.Response{
		StatusCode:  event.StatusCode,
		HTTPVersion: event.HTTPVersion,
		Headers:     convertHeaders(event.Headers),
	}, nil
}

// uploadRequest serializes req's headers and body through the state
// machine and pushes the resulting wire bytes one chunk at a time through
// sendUnlessReadable. It returns preempted=true the instant a chunk upload
// is interrupted by readability - any remaining body is then permanently
// abandoned, exactly as the algorithm this package follows does, and the
// caller moves straight to reading the response.
func (c *Connection) uploadRequest(req *message.Request) (preempted bool, err error) {
	reqBytes, err := c.sm.Send(protocol.Event{
		Kind:    protocol.EventRequestKind,
		Method:  req.Method,
		Target:  req.Target,
		Headers: toProtocolHeaders(req.Headers),
	})
	if err != nil {
		return false, err
	}
	if didRead, err := sendUnlessReadable(c.sel, c.sock, c.sm, reqBytes, c.sendTimeoutPtr()); err != nil {
		return false, err
	} else if didRead {
		return true, nil
	}

	if req.Body != nil && !req.Body.IsAbsent() {
		preempted, err := c.uploadBody(req.Body)
		if err != nil || preempted {
			return preempted, err
		}
	}

	eomBytes, err := c.sm.Send(protocol.Event{Kind: protocol.EventEndOfMessageKind})
	if err != nil {
		return false, err
	}
	didRead, err := sendUnlessReadable(c.sel, c.sock, c.sm, eomBytes, c.sendTimeoutPtr())
	return didRead, err
}

func (c *Connection) uploadBody(body *message.Body) (preempted bool, err error) {
	switch {
	case body.Bytes != nil:
		return c.uploadDataChunk(body.Bytes)

	case body.Readable != nil:
		buf := make([]byte, constants.DefaultRecvSize)
		for {
			n, rerr := body.Readable.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				preempted, err = c.uploadDataChunk(chunk)
				if err != nil || preempted {
					return preempted, err
				}
			}
			if rerr == io.EOF {
				return false, nil
			}
			if rerr != nil {
				return false, httperrors.NewIOError("body read", rerr)
			}
		}

	case body.Chunks != nil:
		for {
			data, cerr := body.Chunks()
			if cerr == io.EOF {
				return false, nil
			}
			if cerr != nil {
				return false, httperrors.NewIOError("body read", cerr)
			}
			preempted, err = c.uploadDataChunk(data)
			if err != nil || preempted {
				return preempted, err
			}
		}

	default:
		return false, httperrors.NewInvalidBody("body carries neither bytes, a reader, nor a chunk iterator")
	}
}

func (c *Connection) uploadDataChunk(data []byte) (preempted bool, err error) {
	wireBytes, err := c.sm.Send(protocol.Event{Kind: protocol.EventDataKind, Data: data})
	if err != nil {
		return false, err
	}
	return sendUnlessReadable(c.sel, c.sock, c.sm, wireBytes, c.sendTimeoutPtr())
}

// Next yields the next body chunk of the response returned by the last
// SendRequest, or io.EOF once the message has ended (at which point the
// reuse decision has already run). Calling Next without a live response is
// a programming error and returns io.EOF immediately.
func (c *Connection) Next() ([]byte, error) {
	if !c.bodyActive {
		return nil, io.EOF
	}

	var timeoutPtr *time.Duration
	if c.readTimeout > 0 {
		timeoutPtr = &c.readTimeout
	}

	event, err := readUntilEvent(c.sel, c.sock, c.sm, timeoutPtr)
	if err != nil {
		c.bodyActive = false
		c.Close()
		return nil, err
	}

	switch event.Kind {
	case protocol.EventDataKind:
		return event.Data, nil
	case protocol.EventEndOfMessageKind:
		c.bodyActive = false
		c.reuseOrClose()
		return nil, io.EOF
	case protocol.EventConnectionClosed:
		c.bodyActive = false
		c.Close()
		return nil, httperrors.NewIOError("recv", io.ErrUnexpectedEOF)
	default:
		c.bodyActive = false
		c.Close()
		return nil, httperrors.NewProtocolError(fmt.Sprintf("unexpected event kind %d during body iteration", event.Kind))
	}
}

// reuseOrClose implements the post-EndOfMessage reuse decision: query the
// state machine once more; if it reports NEED_DATA and both roles have
// settled into Idle or Done, the connection survives for another exchange
// (starting a new cycle if both sides reached Done); otherwise it is torn
// down.
func (c *Connection) reuseOrClose() {
	event, err := c.sm.NextEvent()
	if err == nil && event.Kind == protocol.EventNeedData &&
		isReusableState(c.sm.OurState()) && isReusableState(c.sm.TheirState()) {
		if c.sm.OurState() == protocol.Done && c.sm.TheirState() == protocol.Done {
			c.sm.StartNextCycle()
		}
		return
	}
	c.Close()
}

func isReusableState(s protocol.State) bool {
	return s == protocol.Idle || s == protocol.Done
}

// sendTimeoutPtr returns the caller's read_timeout as the bound for the
// upload loop's own select() calls, so a peer that never drains the
// request and never responds cannot wedge SendRequest indefinitely.
func (c *Connection) sendTimeoutPtr() *time.Duration {
	if c.readTimeout > 0 {
		return &c.readTimeout
	}
	return nil
}

// Complete reports whether the state machine is at (Idle, Idle), meaning
// the connection is ready for another SendRequest. A Connection with no
// socket (never connected, or already closed) is vacuously complete.
func (c *Connection) Complete() bool {
	if c.sm == nil {
		return true
	}
	return c.sm.OurState() == protocol.Idle && c.sm.TheirState() == protocol.Idle
}

// IsDropped is a best-effort, conservative probe for a peer-closed
// connection: a zero-timeout readability poll. Readiness is treated as a
// proxy for EOF even though it could in principle be TLS control traffic;
// false positives only cost a needlessly-discarded connection, never a
// correctness bug.
func (c *Connection) IsDropped() bool {
	if c.sock == nil {
		return true
	}
	zero := time.Duration(0)
	ready, err := c.sel.Select(&zero)
	if err != nil {
		return true
	}
	for _, r := range ready {
		if r.FD == c.sock.fd() && r.Readable {
			return true
		}
	}
	return false
}

// Close is idempotent: it releases the socket, the selector and the state
// machine. Calling Close on an already-closed (or never-connected)
// Connection does nothing.
func (c *Connection) Close() error {
	if c.sock == nil {
		return nil
	}
	if c.raw != nil {
		// Flip back to non-blocking-surfaces-EAGAIN semantics; the fd
		// itself is about to be closed regardless.
		c.raw.SetBlocking(false)
	}
	err := c.sock.close()
	if c.sel != nil {
		c.sel.Close()
	}
	c.sock = nil
	c.raw = nil
	c.sel = nil
	c.sm = nil
	c.bodyActive = false
	return err
}

func toProtocolHeaders(headers message.Headers) []protocol.HeaderField {
	out := make([]protocol.HeaderField, 0, len(headers))
	for _, h := range headers {
		out = append(out, protocol.HeaderField{Name: h.Name, Value: encodeLatin1(h.Value)})
	}
	return out
}
