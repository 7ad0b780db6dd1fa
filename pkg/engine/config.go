package engine

import (
	"crypto/tls"
	"time"

	"github.com/WhileEndless/go-httpcore/pkg/message"
	"github.com/WhileEndless/go-httpcore/pkg/tlsconfig"
)

// TunnelConfig describes the CONNECT proxy an engine should tunnel through
// before wrapping the connection in TLS. Tunneling is only ever attempted
// when TLS is also being set up on the same Connect call - a plaintext
// connection to a tunnel target makes no sense and this package never
// exercises that path, matching the engine this design is modeled on.
type TunnelConfig struct {
	Host    string
	Port    int
	Headers message.Headers
}

// ConnectConfig configures one Connect call.
type ConnectConfig struct {
	// TLSConfig being non-nil requests a TLS wrap after TCP (and, if a
	// tunnel is configured, after the CONNECT exchange).
	TLSConfig *tls.Config

	// Fingerprint, if set, pins the peer certificate by SHA-256 over its
	// DER encoding instead of doing chain/hostname verification.
	Fingerprint []byte

	// AssertHostname overrides the name checked against the certificate.
	// Empty means use the tunnel host (if tunneling) or the connection's
	// own host.
	AssertHostname string

	// SkipHostnameVerification disables the engine's own post-handshake
	// hostname assertion when no Fingerprint is supplied; Verified stays
	// false. crypto/tls still verifies the chain and server name during
	// the handshake unless TLSConfig.InsecureSkipVerify is set.
	SkipHostnameVerification bool

	// VersionProfile, when set, is applied to TLSConfig before the
	// handshake - a convenience over hand-setting MinVersion/MaxVersion
	// (and their matching cipher suites) on every call site.
	VersionProfile *tlsconfig.VersionProfile

	// ConnectTimeout bounds TCP establishment. Zero means
	// constants.DefaultConnTimeout.
	ConnectTimeout time.Duration

	// DisableNodelay, if true, leaves Nagle's algorithm enabled. The
	// default (false) disables it, matching this engine's TCP_NODELAY=1
	// default.
	DisableNodelay bool
}
