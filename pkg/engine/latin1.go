package engine

import "golang.org/x/text/encoding/charmap"

// decodeLatin1 re-decodes a header value as ISO-8859-1. protocol.http1
// parses header bytes with a raw string() conversion, which preserves the
// original bytes faithfully but leaves them as an invalid-UTF-8 string when
// any byte is >= 0x80. HTTP/1.x header values are Latin-1 by convention
// (RFC 7230 only requires them to be visible US-ASCII, but field values
// with obs-text bytes are specified in terms of Latin-1 code points), so
// this step re-interprets those raw bytes as Latin-1 to produce a proper
// Unicode string before handing headers to callers.
func decodeLatin1(raw string) string {
	decoded, err := charmap.ISO8859_1.NewDecoder().String(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// encodeLatin1 is the send-side counterpart: header values given to the
// engine as ordinary Go (UTF-8) strings are re-encoded as Latin-1 before
// being handed to the state machine, matching the engine's normalization
// of outgoing header values. A value containing a code point outside
// Latin-1's range is passed through unchanged (as its UTF-8 bytes) rather
// than rejected; the state machine does not validate header values.
func encodeLatin1(s string) string {
	encoded, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil {
		return s
	}
	return encoded
}
