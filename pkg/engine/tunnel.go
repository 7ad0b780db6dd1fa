package engine

import (
	"context"
	"fmt"

	httperrors "github.com/WhileEndless/go-httpcore/pkg/errors"
	"github.com/WhileEndless/go-httpcore/pkg/message"
	"github.com/WhileEndless/go-httpcore/pkg/netio"
	"github.com/WhileEndless/go-httpcore/pkg/protocol"
	"github.com/WhileEndless/go-httpcore/pkg/selector"
)

// FailedTunnelError reports a proxy CONNECT exchange that did not succeed
// (a non-200 response). It carries the status line and headers of the
// response the proxy sent; the response body is not read.
//
// The underlying *errors.Error is held as a named field rather than
// embedded: errors.Error's own Error() method would otherwise be shadowed
// by a same-named promoted field (its type is also called Error), which
// would silently strip FailedTunnelError of the error interface.
type FailedTunnelError struct {
	Cause    *httperrors.Error
	Response *message.Response
}

func (e *FailedTunnelError) Error() string { return e.Cause.Error() }
func (e *FailedTunnelError) Unwrap() error { return e.Cause }

// tunnelConnect drives a CONNECT exchange over raw, a plaintext, newly-dialed
// socket, using a throwaway state machine instance - tunnel traffic is not
// part of the main HTTP exchange and must not perturb c.sm. On success the
// caller proceeds to wrap raw in TLS. On failure raw is left for the caller
// to close.
func (c *Connection) tunnelConnect(ctx context.Context, raw *netio.Conn, tun *TunnelConfig) error {
	sm := protocol.NewHTTP1()
	sock := &plainSocket{conn: raw}

	target := fmt.Sprintf("%s:%d", tun.Host, tun.Port)
	headers := make([]protocol.HeaderField, 0, len(tun.Headers))
	for _, h := range tun.Headers {
		headers = append(headers, protocol.HeaderField{Name: h.Name, Value: h.Value})
	}

	reqBytes, err := sm.Send(protocol.Event{Kind: protocol.EventRequestKind, Method: "CONNECT", Target: target, Headers: headers})
	if err != nil {
		return err
	}
	eomBytes, err := sm.Send(protocol.Event{Kind: protocol.EventEndOfMessageKind})
	if err != nil {
		return err
	}
	payload := append(reqBytes, eomBytes...)

	if err := c.sel.Register(raw.FD(), selector.Readable|selector.Writable); err != nil {
		return err
	}
	defer c.sel.Unregister(raw.FD())

	// A proxy preempting the CONNECT upload by answering early is handled
	// identically to a clean send: either way the next step is to read
	// the response.
	if _, err := sendUnlessReadable(c.sel, sock, sm, payload, nil); err != nil {
		return err
	}

	event, err := readUntilEvent(c.sel, sock, sm, nil)
	if err != nil {
		return err
	}
	if event.Kind != protocol.EventResponseKind {
		return httperrors.NewProtocolError(fmt.Sprintf("tunnel: unexpected event kind %d while awaiting CONNECT response", event.Kind))
	}

	resp := &message.Response{
		StatusCode:  event.StatusCode,
		HTTPVersion: event.HTTPVersion,
		Headers:     convertHeaders(event.Headers),
	}

	if event.StatusCode != 200 {
		base := httperrors.NewFailedTunnel(tun.Host, tun.Port,
			fmt.Sprintf("proxy refused CONNECT to %s:%d with status %d", tun.Host, tun.Port, event.StatusCode))
		return &FailedTunnelError{Cause: base, Response: resp}
	}

	return nil
}

func convertHeaders(fields []protocol.HeaderField) message.Headers {
	out := make(message.Headers, 0, len(fields))
	for _, f := range fields {
		out = append(out, message.Header{Name: f.Name, Value: decodeLatin1(f.Value)})
	}
	return out
}
