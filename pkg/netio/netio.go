// Package netio provides the raw, non-blocking socket primitives the
// connection engine drives through its own selector, instead of Go's
// built-in runtime network poller. A Conn is a thin wrapper around a
// detached file descriptor: dialing still goes through net.Dialer (for
// DNS resolution and connect-timeout handling, exactly like the stdlib
// would do it), but once the connection is established the fd is pulled
// out from under the runtime poller with File() and driven directly with
// read(2)/write(2), so the only blocking waits are poll(2) calls made
// through package selector (the engine's selector.Selector, or
// WaitReadable/WaitWritable while a Conn is in blocking mode).
package netio

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/WhileEndless/go-httpcore/pkg/constants"
	"github.com/WhileEndless/go-httpcore/pkg/diag"
	httperrors "github.com/WhileEndless/go-httpcore/pkg/errors"
	"github.com/WhileEndless/go-httpcore/pkg/selector"
)

// ErrWouldBlock is returned by RecvOrWouldBlock/SendOrWouldBlock when the
// operation could not complete without blocking. It is the sentinel the
// engine's send-unless-readable and receive-until-event loops watch for.
var ErrWouldBlock = errors.New("netio: operation would block")

// Conn is a raw, non-blocking socket. It implements net.Conn so it can be
// handed to crypto/tls, but callers that want byte-granular readiness
// control should use RecvOrWouldBlock/SendOrWouldBlock instead of
// Read/Write directly.
type Conn struct {
	fd       int
	local    net.Addr
	remote   net.Addr
	blocking bool // when true, Read/Write wait via selector.WaitReadable/WaitWritable rather than surfacing ErrWouldBlock
	readDl   time.Time
	writeDl  time.Time
}

// DialTCP establishes a TCP connection using net.Dialer (so DNS resolution
// and the connect timeout behave exactly like any other Go program), then
// detaches the raw file descriptor so the engine can drive it directly.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return fromTCPConn(c.(*net.TCPConn))
}

func fromTCPConn(tc *net.TCPConn) (*Conn, error) {
	local := tc.LocalAddr()
	remote := tc.RemoteAddr()

	f, err := tc.File()
	if err != nil {
		tc.Close()
		return nil, err
	}
	// File() duplicates the descriptor; the original net.Conn can (and
	// must) be closed without affecting the dup.
	tc.Close()

	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return nil, err
	}

	return &Conn{fd: fd, local: local, remote: remote}, nil
}

// FD returns the underlying file descriptor, for selector registration.
func (c *Conn) FD() int { return c.fd }

// SetBlocking toggles whether Read/Write (the net.Conn methods, used once
// a Conn is wrapped by crypto/tls) resolve EAGAIN by waiting in
// selector.WaitReadable/WaitWritable (true) or by returning ErrWouldBlock
// (false).
func (c *Conn) SetBlocking(b bool) { c.blocking = b }

// RecvOrWouldBlock performs exactly one non-blocking read attempt.
func (c *Conn) RecvOrWouldBlock(buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// SendOrWouldBlock performs exactly one non-blocking write attempt.
func (c *Conn) SendOrWouldBlock(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.Write(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Read implements net.Conn. Outside of blocking mode it is equivalent to
// RecvOrWouldBlock except that ErrWouldBlock is reported as a net.Error
// with Timeout()==true, which is what crypto/tls and most net.Conn
// consumers expect from a non-fatal "try again" condition.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := c.RecvOrWouldBlock(p)
		if err == nil {
			return n, nil
		}
		if err != ErrWouldBlock {
			return 0, err
		}
		if !c.blocking {
			return 0, wouldBlockNetError{}
		}
		if werr := selector.WaitReadable(c.fd, c.readDl); werr != nil {
			return 0, werr
		}
	}
}

// Write implements net.Conn, with the same blocking-via-selector behavior
// as Read.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := c.SendOrWouldBlock(p[total:])
		if err != nil {
			if err != ErrWouldBlock {
				return total, err
			}
			if !c.blocking {
				return total, wouldBlockNetError{}
			}
			if werr := selector.WaitWritable(c.fd, c.writeDl); werr != nil {
				return total, werr
			}
			continue
		}
		total += n
	}
	return total, nil
}

func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDl, c.writeDl = t, t
	return nil
}
func (c *Conn) SetReadDeadline(t time.Time) error  { c.readDl = t; return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { c.writeDl = t; return nil }

type wouldBlockNetError struct{}

func (wouldBlockNetError) Error() string   { return ErrWouldBlock.Error() }
func (wouldBlockNetError) Timeout() bool   { return true }
func (wouldBlockNetError) Temporary() bool { return true }

// ---- TLS wrapping --------------------------------------------------------

// TLSWrapResult carries both the upgraded connection and the verification
// metadata the caller needs to honor fingerprint/hostname verification
// semantics, since crypto/tls alone only ever does hostname verification.
type TLSWrapResult struct {
	Conn       *tls.Conn
	Verified   bool
	PeerSHA256 [32]byte
	// LegacyCommonNameMatch is set when verification succeeded only by
	// falling back to the deprecated commonName field because the
	// certificate carried no subjectAltName at all. Callers should surface
	// this to their diagnostics sink.
	LegacyCommonNameMatch bool
}

// WrapTLS performs the TLS client handshake over conn using cfg, in
// blocking-via-selector mode so crypto/tls's internal record-layer retries
// complete normally. After the handshake it performs whichever
// verification strategy was requested: a pinned SHA-256 fingerprint (for
// which crypto/tls's own chain verification is switched off), or
// otherwise a hostname check against the leaf certificate.
//
// skipHostname mirrors explicitly disabling hostname assertion: when true
// and no fingerprint was supplied, WrapTLS performs no hostname check of
// its own and leaves Verified/LegacyCommonNameMatch false. crypto/tls
// still verifies the chain and cfg's ServerName during the handshake
// unless cfg.InsecureSkipVerify is set.
func WrapTLS(ctx context.Context, conn *Conn, cfg *tls.Config, serverName string, fingerprint []byte, skipHostname bool, sink diag.Sink) (*TLSWrapResult, error) {
	if sink == nil {
		sink = diag.Default()
	}
	if time.Now().Before(constants.RecentDate) {
		sink.SystemTimeWarning(serverName)
	}

	conn.SetBlocking(true)

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	tlsCfg := cfg.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = serverName
	}
	if fingerprint != nil {
		// Fingerprint pinning subsumes chain verification: the caller is
		// trusting this exact key, not the CA that may have signed it.
		tlsCfg.InsecureSkipVerify = true
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, httperrors.NewTLSError(serverName, 0, err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, httperrors.NewTLSError(serverName, 0, fmt.Errorf("no peer certificate presented"))
	}
	leaf := state.PeerCertificates[0]
	sum := sha256.Sum256(leaf.Raw)

	result := &TLSWrapResult{Conn: tlsConn, PeerSHA256: sum}

	if fingerprint != nil {
		if subtle.ConstantTimeCompare(sum[:], fingerprint) != 1 {
			return nil, httperrors.NewTLSError(serverName, 0, fmt.Errorf("certificate fingerprint mismatch"))
		}
		result.Verified = true
		return result, nil
	}

	if skipHostname {
		return result, nil
	}

	legacy, err := verifyHostname(leaf, serverName)
	if err != nil {
		return nil, httperrors.NewTLSError(serverName, 0, err)
	}
	if legacy {
		sink.SubjectAltNameWarning(serverName, leaf.Subject.CommonName)
	}
	result.Verified = true
	result.LegacyCommonNameMatch = legacy
	return result, nil
}

// verifyHostname checks serverName against the leaf's subjectAltNames. If
// the certificate carries no subjectAltName extension at all, it falls
// back to a direct comparison against the deprecated commonName field
// (matching legacy peer behavior some embedded/IoT HTTPS servers still
// rely on) and reports that fallback via the returned bool so the caller
// can route a warning to its diagnostics sink.
func verifyHostname(leaf *x509.Certificate, serverName string) (legacyMatch bool, err error) {
	if verr := leaf.VerifyHostname(serverName); verr == nil {
		return false, nil
	} else if len(leaf.DNSNames) != 0 || len(leaf.IPAddresses) != 0 {
		return false, verr
	}
	if leaf.Subject.CommonName == "" || !strings.EqualFold(leaf.Subject.CommonName, serverName) {
		return false, fmt.Errorf("certificate has no subjectAltName and commonName %q does not match %q", leaf.Subject.CommonName, serverName)
	}
	return true, nil
}
