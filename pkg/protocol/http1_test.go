package protocol

import (
	"strings"
	"testing"
)

func mustSend(t *testing.T, sm StateMachine, event Event) []byte {
	t.Helper()
	b, err := sm.Send(event)
	if err != nil {
		t.Fatalf("Send(%v): %v", event, err)
	}
	return b
}

func TestRequestFraming(t *testing.T) {
	sm := NewHTTP1()
	req := mustSend(t, sm, Event{
		Kind:   EventRequestKind,
		Method: "GET",
		Target: "/index",
		Headers: []HeaderField{
			{Name: "Host", Value: "example.com"},
		},
	})
	want := "GET /index HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if string(req) != want {
		t.Fatalf("request line/headers mismatch:\ngot:  %q\nwant: %q", req, want)
	}
	if sm.OurState() != SendBody {
		t.Fatalf("our state after Request = %s, want SEND_BODY", sm.OurState())
	}

	eom := mustSend(t, sm, Event{Kind: EventEndOfMessageKind})
	if len(eom) != 0 {
		t.Fatalf("EndOfMessage for a non-chunked request produced bytes: %q", eom)
	}
	if sm.OurState() != Done {
		t.Fatalf("our state after EndOfMessage = %s, want DONE", sm.OurState())
	}
}

func TestChunkedRequestFraming(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{
		Kind:   EventRequestKind,
		Method: "POST",
		Target: "/upload",
		Headers: []HeaderField{
			{Name: "Transfer-Encoding", Value: "chunked"},
		},
	})

	chunk := mustSend(t, sm, Event{Kind: EventDataKind, Data: []byte("abc")})
	if string(chunk) != "3\r\nabc\r\n" {
		t.Fatalf("chunk framing = %q", chunk)
	}

	eom := mustSend(t, sm, Event{Kind: EventEndOfMessageKind})
	if string(eom) != "0\r\n\r\n" {
		t.Fatalf("final chunk = %q", eom)
	}
}

func TestSendRequestWhileNotIdleFails(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/"})
	if _, err := sm.Send(Event{Kind: EventRequestKind, Method: "GET", Target: "/"}); err == nil {
		t.Fatalf("expected an error sending a second Request before the first completed")
	}
}

func feedAndDrain(t *testing.T, sm StateMachine, raw string) []Event {
	t.Helper()
	sm.ReceiveData([]byte(raw))
	var events []Event
	for {
		ev, err := sm.NextEvent()
		if err != nil {
			t.Fatalf("NextEvent: %v", err)
		}
		if ev.Kind == EventNeedData {
			return events
		}
		events = append(events, ev)
		if ev.Kind == EventEndOfMessageKind || ev.Kind == EventConnectionClosed {
			return events
		}
	}
}

func TestParseFixedLengthResponse(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/"})
	mustSend(t, sm, Event{Kind: EventEndOfMessageKind})

	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	events := feedAndDrain(t, sm, raw)

	if len(events) != 3 {
		t.Fatalf("got %d events, want Response+Data+EndOfMessage: %+v", len(events), events)
	}
	if events[0].Kind != EventResponseKind || events[0].StatusCode != 200 {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Kind != EventDataKind || string(events[1].Data) != "hello" {
		t.Fatalf("second event = %+v", events[1])
	}
	if events[2].Kind != EventEndOfMessageKind {
		t.Fatalf("third event = %+v", events[2])
	}
	if sm.TheirState() != Done {
		t.Fatalf("their state after a keep-alive-eligible response = %s, want DONE", sm.TheirState())
	}
}

func TestParseChunkedResponse(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/"})
	mustSend(t, sm, Event{Kind: EventEndOfMessageKind})

	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nwiki\r\n5\r\npedia\r\n0\r\n\r\n"
	events := feedAndDrain(t, sm, raw)

	var body strings.Builder
	sawEOM := false
	for _, ev := range events {
		if ev.Kind == EventDataKind {
			body.Write(ev.Data)
		}
		if ev.Kind == EventEndOfMessageKind {
			sawEOM = true
		}
	}
	if body.String() != "wikipedia" {
		t.Fatalf("reassembled chunked body = %q", body.String())
	}
	if !sawEOM {
		t.Fatalf("never saw EndOfMessage for chunked response")
	}
}

func TestInformational1xxIsDiscarded(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/"})
	mustSend(t, sm, Event{Kind: EventEndOfMessageKind})

	raw := "HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	events := feedAndDrain(t, sm, raw)

	if len(events) != 2 {
		t.Fatalf("got %d events, want Response+EndOfMessage only (100 Continue hidden): %+v", len(events), events)
	}
	if events[0].StatusCode != 200 {
		t.Fatalf("surfaced status = %d, want 200 (100 Continue should be swallowed)", events[0].StatusCode)
	}
}

func TestConnectionCloseForcesMustClose(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/"})
	mustSend(t, sm, Event{Kind: EventEndOfMessageKind})

	raw := "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	feedAndDrain(t, sm, raw)

	if sm.TheirState() != MustClose {
		t.Fatalf("their state = %s, want MUST_CLOSE after a Connection: close response", sm.TheirState())
	}
}

func TestHTTP10WithoutKeepAliveForcesMustClose(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/"})
	mustSend(t, sm, Event{Kind: EventEndOfMessageKind})

	raw := "HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n"
	feedAndDrain(t, sm, raw)

	if sm.TheirState() != MustClose {
		t.Fatalf("their state = %s, want MUST_CLOSE for a bare HTTP/1.0 response", sm.TheirState())
	}
}

func TestHeadResponseSkipsBody(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "HEAD", Target: "/"})
	mustSend(t, sm, Event{Kind: EventEndOfMessageKind})

	raw := "HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\n"
	events := feedAndDrain(t, sm, raw)

	if len(events) != 2 {
		t.Fatalf("got %d events for a HEAD response, want Response+EndOfMessage only: %+v", len(events), events)
	}
}

func TestCloseDelimitedBody(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/"})
	mustSend(t, sm, Event{Kind: EventEndOfMessageKind})

	sm.ReceiveData([]byte("HTTP/1.1 200 OK\r\n\r\nsome bytes"))
	ev, err := sm.NextEvent()
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	if ev.Kind != EventResponseKind {
		t.Fatalf("first event = %+v", ev)
	}
	ev, err = sm.NextEvent()
	if err != nil || ev.Kind != EventDataKind || string(ev.Data) != "some bytes" {
		t.Fatalf("data event = %+v, err = %v", ev, err)
	}

	ev, err = sm.NextEvent()
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	if ev.Kind != EventNeedData {
		t.Fatalf("expected NEED_DATA pending EOF, got %+v", ev)
	}

	sm.ReceiveData(nil) // signal EOF
	ev, err = sm.NextEvent()
	if err != nil || ev.Kind != EventEndOfMessageKind {
		t.Fatalf("EndOfMessage after EOF: %+v, err = %v", ev, err)
	}
	if sm.TheirState() != MustClose {
		t.Fatalf("their state after close-delimited body = %s, want MUST_CLOSE", sm.TheirState())
	}
}

func TestStartNextCycleResetsBothStates(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/"})
	mustSend(t, sm, Event{Kind: EventEndOfMessageKind})
	feedAndDrain(t, sm, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

	sm.StartNextCycle()
	if sm.OurState() != Idle || sm.TheirState() != Idle {
		t.Fatalf("after StartNextCycle: our=%s their=%s, want both IDLE", sm.OurState(), sm.TheirState())
	}

	// the state machine must be fully usable for a second exchange
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/again"})
}

func TestObsFoldedHeaderIsJoined(t *testing.T) {
	sm := NewHTTP1()
	mustSend(t, sm, Event{Kind: EventRequestKind, Method: "GET", Target: "/"})
	mustSend(t, sm, Event{Kind: EventEndOfMessageKind})

	raw := "HTTP/1.1 200 OK\r\nX-Long: first\r\n second\r\nContent-Length: 0\r\n\r\n"
	events := feedAndDrain(t, sm, raw)

	resp := events[0]
	if got := headerValue(resp.Headers, "X-Long"); got != "first second" {
		t.Fatalf("obs-folded header = %q, want %q", got, "first second")
	}
}
