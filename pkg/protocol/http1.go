package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/WhileEndless/go-httpcore/pkg/constants"
)

// phase tracks where NextEvent is within parsing the peer's half of the
// exchange.
type phase int

const (
	phaseStatusLine phase = iota
	phaseHeaders
	phaseBodyNone
	phaseFixedBody
	phaseChunkSize
	phaseChunkData
	phaseChunkCRLF
	phaseChunkTrailers
	phaseCloseDelimited
	phaseIdleWait
)

// http1 is the default StateMachine implementation: a from-scratch HTTP/1.x
// framer tracking one CLIENT-role exchange at a time, in the spirit of h11
// but scoped to exactly what the engine in this package's sibling
// pkg/engine needs.
type http1 struct {
	ourState   State
	theirState State

	// Outgoing (our) framing, fixed when the Request event is sent.
	method     string
	reqChunked bool

	// Incoming (their) parsing state.
	phase phase
	buf   []byte
	eof   bool

	headerBytes int
	pending     []HeaderField

	respStatus     int
	respVersion    string
	respHeaders    []HeaderField
	respChunked    bool
	respHasLength  bool
	respRemaining  int64
	respSkipBody   bool
	respCloseAfter bool
}

// NewHTTP1 returns a fresh client-role HTTP/1.x state machine.
func NewHTTP1() StateMachine {
	return &http1{}
}

func (m *http1) OurState() State   { return m.ourState }
func (m *http1) TheirState() State { return m.theirState }

func (m *http1) StartNextCycle() {
	m.ourState = Idle
	m.theirState = Idle
	m.phase = phaseStatusLine
	m.method = ""
	m.reqChunked = false
	m.buf = nil
	m.headerBytes = 0
	m.pending = nil
}

// ---- Send: serializing outgoing events --------------------------------

func (m *http1) Send(event Event) ([]byte, error) {
	switch event.Kind {
	case EventRequestKind:
		return m.sendRequest(event)
	case EventDataKind:
		return m.sendData(event)
	case EventEndOfMessageKind:
		return m.sendEndOfMessage()
	default:
		return nil, fmt.Errorf("protocol: cannot send event kind %d", event.Kind)
	}
}

func (m *http1) sendRequest(event Event) ([]byte, error) {
	if m.ourState != Idle {
		return nil, fmt.Errorf("protocol: cannot send Request while our_state is %s", m.ourState)
	}

	m.method = strings.ToUpper(event.Method)
	m.reqChunked = headerHasToken(event.Headers, "Transfer-Encoding", "chunked")

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", event.Method, event.Target)
	for _, h := range event.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")

	m.ourState = SendBody
	return b.Bytes(), nil
}

func (m *http1) sendData(event Event) ([]byte, error) {
	if m.ourState != SendBody {
		return nil, fmt.Errorf("protocol: cannot send Data while our_state is %s", m.ourState)
	}
	if !m.reqChunked {
		return event.Data, nil
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%x\r\n", len(event.Data))
	b.Write(event.Data)
	b.WriteString("\r\n")
	return b.Bytes(), nil
}

func (m *http1) sendEndOfMessage() ([]byte, error) {
	if m.ourState != SendBody {
		return nil, fmt.Errorf("protocol: cannot send EndOfMessage while our_state is %s", m.ourState)
	}
	m.ourState = Done
	if m.reqChunked {
		return []byte("0\r\n\r\n"), nil
	}
	return nil, nil
}

// ---- ReceiveData / NextEvent: parsing incoming bytes -------------------

func (m *http1) ReceiveData(data []byte) {
	if len(data) == 0 {
		m.eof = true
		return
	}
	m.buf = append(m.buf, data...)
}

// takeLine consumes and returns one CRLF- or LF-terminated line (without the
// terminator) from m.buf, or ok=false if no full line is buffered yet.
func (m *http1) takeLine() (string, bool) {
	idx := bytes.IndexByte(m.buf, '\n')
	if idx < 0 {
		return "", false
	}
	line := m.buf[:idx]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	out := string(line)
	m.buf = m.buf[idx+1:]
	return out, true
}

func (m *http1) NextEvent() (Event, error) {
	for {
		switch m.phase {
		case phaseIdleWait:
			return NeedData, nil

		case phaseStatusLine:
			line, ok := m.takeLine()
			if !ok {
				if m.eof {
					return ConnectionClosed, nil
				}
				return NeedData, nil
			}
			status, version, err := parseStatusLine(line)
			if err != nil {
				return Event{}, err
			}
			m.respStatus = status
			m.respVersion = version
			m.pending = nil
			m.headerBytes = 0
			m.phase = phaseHeaders
			continue

		case phaseHeaders:
			line, ok := m.takeLine()
			if !ok {
				if m.eof {
					return ConnectionClosed, nil
				}
				return NeedData, nil
			}
			m.headerBytes += len(line) + 2
			if m.headerBytes > constants.MaxHeaderBlockSize {
				return Event{}, fmt.Errorf("protocol: response header block exceeds %d bytes", constants.MaxHeaderBlockSize)
			}
			if line == "" {
				return m.finishHeaders()
			}
			if (line[0] == ' ' || line[0] == '\t') && len(m.pending) > 0 {
				// obs-fold continuation (RFC 7230 3.2.4).
				last := &m.pending[len(m.pending)-1]
				last.Value = last.Value + " " + strings.TrimSpace(line)
				continue
			}
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			m.pending = append(m.pending, HeaderField{
				Name:  strings.TrimSpace(name),
				Value: strings.TrimSpace(value),
			})
			continue

		case phaseBodyNone:
			return m.finalizeEndOfMessage()

		case phaseFixedBody:
			if m.respRemaining == 0 {
				return m.finalizeEndOfMessage()
			}
			if len(m.buf) == 0 {
				if m.eof {
					return ConnectionClosed, nil
				}
				return NeedData, nil
			}
			n := int64(len(m.buf))
			if n > m.respRemaining {
				n = m.respRemaining
			}
			data := m.buf[:n]
			m.buf = m.buf[n:]
			m.respRemaining -= n
			return Event{Kind: EventDataKind, Data: data}, nil

		case phaseChunkSize:
			line, ok := m.takeLine()
			if !ok {
				if m.eof {
					return ConnectionClosed, nil
				}
				return NeedData, nil
			}
			sizeStr, _, _ := strings.Cut(line, ";")
			size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
			if err != nil {
				return Event{}, fmt.Errorf("protocol: invalid chunk size %q: %w", line, err)
			}
			if size == 0 {
				m.phase = phaseChunkTrailers
				continue
			}
			m.respRemaining = size
			m.phase = phaseChunkData
			continue

		case phaseChunkData:
			if m.respRemaining == 0 {
				m.phase = phaseChunkCRLF
				continue
			}
			if len(m.buf) == 0 {
				if m.eof {
					return ConnectionClosed, nil
				}
				return NeedData, nil
			}
			n := int64(len(m.buf))
			if n > m.respRemaining {
				n = m.respRemaining
			}
			data := m.buf[:n]
			m.buf = m.buf[n:]
			m.respRemaining -= n
			return Event{Kind: EventDataKind, Data: data}, nil

		case phaseChunkCRLF:
			if len(m.buf) < 2 {
				if m.eof {
					return ConnectionClosed, nil
				}
				return NeedData, nil
			}
			m.buf = m.buf[2:]
			m.phase = phaseChunkSize
			continue

		case phaseChunkTrailers:
			line, ok := m.takeLine()
			if !ok {
				if m.eof {
					return ConnectionClosed, nil
				}
				return NeedData, nil
			}
			if line == "" {
				return m.finalizeEndOfMessage()
			}
			continue // trailer headers are parsed but not surfaced

		case phaseCloseDelimited:
			if len(m.buf) > 0 {
				data := m.buf
				m.buf = nil
				return Event{Kind: EventDataKind, Data: data}, nil
			}
			if m.eof {
				return m.finalizeEndOfMessage()
			}
			return NeedData, nil

		default:
			return Event{}, fmt.Errorf("protocol: unreachable parse phase %d", m.phase)
		}
	}
}

// finishHeaders is reached once the blank line terminating a header block
// is consumed. It decides framing and either emits the Response event or,
// for 1xx informational responses, transparently discards it and resumes
// waiting for the real status line - matching h11's behaviour of never
// surfacing informational responses as the terminal Response event.
func (m *http1) finishHeaders() (Event, error) {
	headers := m.pending
	m.pending = nil

	if m.respStatus >= 100 && m.respStatus < 200 {
		m.phase = phaseStatusLine
		return m.NextEvent()
	}

	connValue := strings.ToLower(headerValue(headers, "Connection"))
	closeAfter := strings.Contains(connValue, "close")
	if m.respVersion == "1.0" && !strings.Contains(connValue, "keep-alive") {
		closeAfter = true
	}
	m.respCloseAfter = closeAfter
	m.respHeaders = headers

	m.respChunked = headerHasToken(headers, "Transfer-Encoding", "chunked")
	length, hasLength := headerContentLength(headers)
	m.respHasLength = hasLength
	m.respRemaining = length

	m.respSkipBody = m.method == "HEAD" ||
		m.respStatus == 204 || m.respStatus == 304

	m.theirState = SendBody

	event := Event{
		Kind:        EventResponseKind,
		StatusCode:  m.respStatus,
		HTTPVersion: "HTTP/" + m.respVersion,
		Headers:     headers,
	}

	switch {
	case m.respSkipBody:
		m.phase = phaseBodyNone
	case m.respChunked:
		m.phase = phaseChunkSize
	case hasLength:
		if length == 0 {
			m.phase = phaseBodyNone
		} else {
			m.phase = phaseFixedBody
		}
	default:
		m.phase = phaseCloseDelimited
		m.respCloseAfter = true
	}

	return event, nil
}

func (m *http1) finalizeEndOfMessage() (Event, error) {
	if m.respCloseAfter {
		m.theirState = MustClose
	} else {
		m.theirState = Done
	}
	m.phase = phaseIdleWait
	return Event{Kind: EventEndOfMessageKind}, nil
}

// ---- small header helpers ----------------------------------------------

func headerValue(headers []HeaderField, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func headerHasToken(headers []HeaderField, name, token string) bool {
	v := strings.ToLower(headerValue(headers, name))
	for _, part := range strings.Split(v, ",") {
		if strings.TrimSpace(part) == token {
			return true
		}
	}
	return false
}

func headerContentLength(headers []HeaderField) (int64, bool) {
	v := headerValue(headers, "Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseStatusLine(line string) (status int, version string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("protocol: malformed status line %q", line)
	}
	if !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, "", fmt.Errorf("protocol: malformed status line %q", line)
	}
	version = strings.TrimPrefix(parts[0], "HTTP/")
	status, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", fmt.Errorf("protocol: invalid status code in %q: %w", line, err)
	}
	return status, version, nil
}
