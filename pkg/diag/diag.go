// Package diag provides the engine's diagnostic warning sink: a small,
// pluggable interface for the two classes of "this succeeded, but you
// should know why it's weaker than it looks" signal the engine can raise
// during TLS verification. Callers that don't care can ignore it; the
// default implementation logs through logrus, matching how the rest of
// this module surfaces operational detail.
package diag

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink receives warnings the engine cannot treat as hard failures but
// that a caller auditing its TLS posture should see.
type Sink interface {
	// SubjectAltNameWarning fires when a peer certificate had no
	// subjectAltName extension and verification fell back to comparing
	// the deprecated commonName field instead.
	SubjectAltNameWarning(host, commonName string)
	// SystemTimeWarning fires when the local clock appears to predate the
	// build's recent-date watermark, which would make expired-certificate
	// detection unreliable.
	SystemTimeWarning(host string)
}

// logrusSink is the default Sink, logging at Warn level via logrus's
// package-level logger.
type logrusSink struct{}

func (logrusSink) SubjectAltNameWarning(host, commonName string) {
	logrus.WithFields(logrus.Fields{
		"host":       host,
		"commonName": commonName,
	}).Warn("go-httpcore: certificate has no subjectAltName, verified against legacy commonName")
}

func (logrusSink) SystemTimeWarning(host string) {
	logrus.WithField("host", host).Warn("go-httpcore: system clock appears to be set before the build's recent-date watermark; certificate expiry checks may be unreliable")
}

var (
	mu      sync.RWMutex
	current Sink = logrusSink{}
)

// Default returns the process-wide Sink used by engines that don't supply
// their own.
func Default() Sink {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetDefault replaces the process-wide Sink. It is meant to be called once
// during process startup by an application that wants its own logger
// wired in instead of logrus's default handler.
func SetDefault(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	if s == nil {
		s = logrusSink{}
	}
	current = s
}
