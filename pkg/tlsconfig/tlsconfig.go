// Package tlsconfig names a small set of TLS version/cipher profiles a
// Connect call can apply to its tls.Config in one step, instead of the
// caller hand-setting MinVersion/MaxVersion/CipherSuites itself.
package tlsconfig

import "crypto/tls"

// Version identifiers, re-exported from crypto/tls for callers that only
// want to import this package.
const (
	VersionTLS10 uint16 = tls.VersionTLS10
	VersionTLS11 uint16 = tls.VersionTLS11
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile bounds the negotiated TLS version range for a handshake.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern accepts TLS 1.3 only.
	ProfileModern = VersionProfile{
		Min:         VersionTLS13,
		Max:         VersionTLS13,
		Description: "TLS 1.3 only",
	}

	// ProfileSecure accepts TLS 1.2 and 1.3. The engine applies a profile
	// only when ConnectConfig.VersionProfile is set; without one, the
	// caller's tls.Config version bounds are used unchanged.
	ProfileSecure = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+",
	}

	// ProfileCompatible additionally accepts TLS 1.0 and 1.1, for peers
	// that cannot be upgraded.
	ProfileCompatible = VersionProfile{
		Min:         VersionTLS10,
		Max:         VersionTLS13,
		Description: "TLS 1.0+, includes deprecated versions",
	}
)

// Cipher suites, grouped by the minimum version they apply to. TLS 1.3's
// own suites are fixed by crypto/tls and are never set explicitly.
var (
	cipherSuitesTLS12Secure = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	}

	cipherSuitesCompatible = append(append([]uint16{}, cipherSuitesTLS12Secure...),
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	)
)

// ApplyVersionProfile sets config's MinVersion/MaxVersion from profile.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites sets config's CipherSuites to the table matching
// minVersion. Leaving TLS 1.3 alone (nil CipherSuites) lets crypto/tls
// pick its own fixed suite set, which it requires.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	switch {
	case minVersion >= VersionTLS13:
		config.CipherSuites = nil
	case minVersion >= VersionTLS12:
		config.CipherSuites = cipherSuitesTLS12Secure
	default:
		config.CipherSuites = cipherSuitesCompatible
	}
}
