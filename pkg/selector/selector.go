// Package selector provides a persistent, multi-fd readiness selector
// built on golang.org/x/sys/unix's poll(2) binding. It plays the role
// Python's selectors.DefaultSelector plays for the engine this module
// implements: the engine registers a socket once, flips its interest mask
// between reads and writes as the exchange progresses, and blocks on
// Select only when it has nothing else to do.
package selector

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Mask is a bitset of the readiness events a caller is interested in.
type Mask uint8

const (
	Readable Mask = 1 << iota
	Writable
)

// Ready reports which of the requested events fired for one fd.
type Ready struct {
	FD       int
	Readable bool
	Writable bool
}

// Selector multiplexes readiness across a small set of registered fds.
// It is not safe for concurrent use from multiple goroutines; the engine
// that owns one drives it from a single goroutine per connection.
type Selector struct {
	entries map[int]Mask
	order   []int
}

// New returns an empty Selector.
func New() *Selector {
	return &Selector{entries: make(map[int]Mask)}
}

// Register starts watching fd for the given mask. It is an error to
// register an fd that is already registered; use Modify instead.
func (s *Selector) Register(fd int, mask Mask) error {
	if _, ok := s.entries[fd]; ok {
		return fmt.Errorf("selector: fd %d already registered", fd)
	}
	s.entries[fd] = mask
	s.order = append(s.order, fd)
	return nil
}

// Modify changes the interest mask for an already-registered fd.
func (s *Selector) Modify(fd int, mask Mask) error {
	if _, ok := s.entries[fd]; !ok {
		return &unregisteredError{fd: fd, op: "modify"}
	}
	s.entries[fd] = mask
	return nil
}

// Unregister stops watching fd. It is a no-op if fd is not registered.
func (s *Selector) Unregister(fd int) error {
	if _, ok := s.entries[fd]; !ok {
		return nil
	}
	delete(s.entries, fd)
	for i, v := range s.order {
		if v == fd {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close releases the Selector. Registered fds are not closed; ownership of
// the underlying sockets stays with the caller.
func (s *Selector) Close() error {
	s.entries = nil
	s.order = nil
	return nil
}

// Select blocks until at least one registered fd becomes ready, the
// timeout elapses, or an error occurs. With no fd registered it returns
// nil at once, whatever the timeout.
//
// timeout semantics: nil blocks indefinitely; a zero duration polls once
// and returns immediately with whatever is already ready; a positive
// duration blocks for at most that long.
func (s *Selector) Select(timeout *time.Duration) ([]Ready, error) {
	if len(s.order) == 0 {
		return nil, nil
	}

	pfds := make([]unix.PollFd, len(s.order))
	for i, fd := range s.order {
		var events int16
		mask := s.entries[fd]
		if mask&Readable != 0 {
			events |= unix.POLLIN
		}
		if mask&Writable != 0 {
			events |= unix.POLLOUT
		}
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: events}
	}

	ms := -1
	if timeout != nil {
		ms = int(timeout.Milliseconds())
		if ms < 0 {
			ms = 0
		}
	}

	for {
		n, err := unix.Poll(pfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		break
	}

	var out []Ready
	for _, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		r := Ready{FD: int(pfd.Fd)}
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			r.Readable = true
		}
		if pfd.Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
			r.Writable = true
		}
		if r.Readable || r.Writable {
			out = append(out, r)
		}
	}
	return out, nil
}

// WaitReadable blocks until fd becomes readable or deadline (if non-zero)
// elapses. It performs a standalone poll(2) call independent of any
// Selector's persistent registrations, for one-shot waits such as a TLS
// handshake's internal retries.
func WaitReadable(fd int, deadline time.Time) error {
	return wait(fd, unix.POLLIN, deadline)
}

// WaitWritable blocks until fd becomes writable or deadline elapses.
func WaitWritable(fd int, deadline time.Time) error {
	return wait(fd, unix.POLLOUT, deadline)
}

func wait(fd int, events int16, deadline time.Time) error {
	ms := -1
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return unix.ETIMEDOUT
		}
		ms = int(remaining.Milliseconds())
		if ms < 1 {
			ms = 1
		}
	}
	pfds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(pfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return unix.ETIMEDOUT
		}
		if pfds[0].Revents&unix.POLLERR != 0 {
			return unix.ECONNRESET
		}
		return nil
	}
}

type unregisteredError struct {
	fd int
	op string
}

func (e *unregisteredError) Error() string {
	return "selector: fd not registered for " + e.op
}
