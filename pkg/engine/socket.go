package engine

import (
	"crypto/tls"

	"github.com/WhileEndless/go-httpcore/pkg/netio"
)

// socket is the uniform non-blocking-attempt interface the send/receive
// loops drive. A plainSocket talks directly to the raw fd and gets true
// byte-granular EAGAIN behavior. A tlsSocket talks through crypto/tls,
// which cannot expose partial-record EAGAIN the way a raw socket or
// Python's ssl module can - see tlsSocket's doc comment.
type socket interface {
	fd() int
	recvOrWouldBlock(buf []byte) (int, error)
	sendOrWouldBlock(buf []byte) (int, error)
	close() error
}

type plainSocket struct {
	conn *netio.Conn
}

func (p *plainSocket) fd() int { return p.conn.FD() }

func (p *plainSocket) recvOrWouldBlock(buf []byte) (int, error) {
	return p.conn.RecvOrWouldBlock(buf)
}

func (p *plainSocket) sendOrWouldBlock(buf []byte) (int, error) {
	return p.conn.SendOrWouldBlock(buf)
}

func (p *plainSocket) close() error { return p.conn.Close() }

// tlsSocket wraps a *tls.Conn. crypto/tls's Read/Write assume a blocking
// underlying conn and retry internally until a full record completes;
// they cannot be interrupted mid-record the way urllib3 interrupts a
// Python ssl socket on SSLWantReadError. The underlying *netio.Conn is
// put in blocking-via-selector mode (see netio.Conn.SetBlocking), so all
// of that internal retrying waits in standalone poll(2) calls on the same
// fd (selector.WaitReadable/WaitWritable) rather than in Go's runtime
// network poller - recvOrWouldBlock
// and sendOrWouldBlock are only called once the engine's own selector
// has already reported this fd ready for that direction, so in practice
// they resolve in one shot and ErrWouldBlock is never actually returned.
// The cost is coarser send-unless-readable preemption for TLS
// connections: a write is one whole TLS record (or more), not an
// arbitrary byte count, so an early response can only preempt at a
// record boundary instead of at any byte.
type tlsSocket struct {
	conn *tls.Conn
	raw  *netio.Conn
}

func (t *tlsSocket) fd() int { return t.raw.FD() }

func (t *tlsSocket) recvOrWouldBlock(buf []byte) (int, error) {
	return t.conn.Read(buf)
}

func (t *tlsSocket) sendOrWouldBlock(buf []byte) (int, error) {
	return t.conn.Write(buf)
}

func (t *tlsSocket) close() error { return t.conn.Close() }
