package engine

import (
	"time"

	"github.com/WhileEndless/go-httpcore/pkg/constants"
	"github.com/WhileEndless/go-httpcore/pkg/errors"
	"github.com/WhileEndless/go-httpcore/pkg/netio"
	"github.com/WhileEndless/go-httpcore/pkg/protocol"
	"github.com/WhileEndless/go-httpcore/pkg/selector"
)

// sendUnlessReadable uploads data, aborting early the instant the socket
// becomes readable. If it aborts early, the read bytes are fed to sm and
// didRead is true - the caller must stop uploading further chunks and
// move straight to reading the response. Otherwise didRead is false once
// every byte of data has been written.
func sendUnlessReadable(sel *selector.Selector, sock socket, sm protocol.StateMachine, data []byte, timeout *time.Duration) (didRead bool, err error) {
	fd := sock.fd()
	if err := sel.Modify(fd, selector.Readable|selector.Writable); err != nil {
		return false, err
	}

	remaining := data
	buf := make([]byte, constants.DefaultRecvSize)

	for len(remaining) > 0 {
		ready, err := sel.Select(timeout)
		if err != nil {
			return false, errors.NewIOError("select", err)
		}
		if len(ready) == 0 && timeout != nil {
			return false, errors.NewReadTimeout(*timeout)
		}

		for _, r := range ready {
			if r.FD != fd {
				continue
			}

			if r.Readable {
				n, rerr := sock.recvOrWouldBlock(buf)
				if rerr == netio.ErrWouldBlock {
					// Probably just TLS control traffic; keep uploading.
					continue
				}
				if rerr != nil {
					return false, errors.NewIOError("recv", rerr)
				}
				if n == 0 {
					sm.ReceiveData(nil)
				} else {
					sm.ReceiveData(buf[:n])
				}
				return true, nil
			}

			if r.Writable {
				// Send once, then fall back out to re-poll readability - draining
				// the whole chunk here would delay noticing an early response
				// until the chunk is fully on the wire.
				n, werr := sock.sendOrWouldBlock(remaining)
				if werr == netio.ErrWouldBlock {
					continue
				}
				if werr != nil {
					return false, errors.NewIOError("send", werr)
				}
				remaining = remaining[n:]
			}
		}
	}

	return false, nil
}

// readUntilEvent spins on the selector and socket, feeding bytes into sm,
// until NextEvent returns something other than NEED_DATA. timeout, if
// non-nil, bounds each individual selector wait (not the call overall -
// a connection that keeps trickling in a few bytes at a time can take
// longer than timeout in total; this matches the budget the engine this
// package is modeled on).
func readUntilEvent(sel *selector.Selector, sock socket, sm protocol.StateMachine, timeout *time.Duration) (protocol.Event, error) {
	event, err := sm.NextEvent()
	if err != nil {
		return protocol.Event{}, err
	}

	fd := sock.fd()
	if err := sel.Modify(fd, selector.Readable); err != nil {
		return protocol.Event{}, err
	}

	buf := make([]byte, constants.DefaultRecvSize)

	for event.Kind == protocol.EventNeedData {
		ready, err := sel.Select(timeout)
		if err != nil {
			return protocol.Event{}, errors.NewIOError("select", err)
		}
		if len(ready) == 0 {
			if timeout != nil {
				return protocol.Event{}, errors.NewReadTimeout(*timeout)
			}
			continue
		}

		for _, r := range ready {
			if r.FD != fd || !r.Readable {
				continue
			}

			n, rerr := sock.recvOrWouldBlock(buf)
			if rerr == netio.ErrWouldBlock {
				continue
			}
			if rerr != nil {
				return protocol.Event{}, errors.NewIOError("recv", rerr)
			}
			if n == 0 {
				sm.ReceiveData(nil)
			} else {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				sm.ReceiveData(chunk)
			}
			event, err = sm.NextEvent()
			if err != nil {
				return protocol.Event{}, err
			}
		}
	}

	return event, nil
}
