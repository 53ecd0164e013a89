package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/synacgo/synac/pkg/protocol"
)

// StateType is the session's connection status, mirroring the
// teacher's ConnectionStateType enum.
type StateType int

const (
	StateConnected StateType = iota
	StateDisconnected
)

// StateUpdate is delivered on StateChanges() whenever the session's
// connection status flips.
type StateUpdate struct {
	State StateType
	Err   error
}

// Session is one client connection to a synac server: TLS-pinned dial,
// framed read/write loops, and the channel-based API the teacher's
// Connection exposes (shape only — no SSH/reconnect internals, since
// those are out of SPEC_FULL.md scope).
type Session struct {
	addr string
	conn net.Conn

	incoming    chan protocol.Packet
	outgoing    chan protocol.Packet
	errors      chan error
	stateChange chan StateUpdate

	mu     sync.Mutex
	closed bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Dial opens a TLS connection to addr, pinning the server certificate's
// fingerprint: on first contact (pinned == "") it trusts whatever is
// presented and reports the fingerprint via onFirstContact; on every
// later connection it verifies the presented certificate still matches
// pinned, failing fatally on mismatch per spec 9.
func Dial(addr, pinned string, onFirstContact func(fingerprint string)) (*Session, error) {
	cfg := pinVerifier(pinned, onFirstContact)
	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	s := &Session{
		addr:        addr,
		conn:        conn,
		incoming:    make(chan protocol.Packet, 100),
		outgoing:    make(chan protocol.Packet, 100),
		errors:      make(chan error, 10),
		stateChange: make(chan StateUpdate, 10),
		shutdown:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

// Incoming delivers packets received from the server.
func (s *Session) Incoming() <-chan protocol.Packet { return s.incoming }

// Errors delivers read/write/decode failures.
func (s *Session) Errors() <-chan error { return s.errors }

// StateChanges delivers connection lifecycle transitions.
func (s *Session) StateChanges() <-chan StateUpdate { return s.stateChange }

// Send queues a packet for the write loop. It never blocks: a full
// outgoing queue is reported as an error rather than stalling the
// caller.
func (s *Session) Send(p protocol.Packet) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("client: session closed")
	}

	select {
	case s.outgoing <- p:
		return nil
	case <-s.shutdown:
		return errors.New("client: session closed")
	default:
		return errors.New("client: outgoing queue full")
	}
}

// Close shuts the session down and waits for both loops to exit.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	err := s.conn.Close()
	s.wg.Wait()

	// outgoing is left open: Send may still be mid-select on it from
	// another goroutine, and nothing reads it anymore now that
	// writeLoop has exited, so closing it would only invite a
	// send-on-closed-channel panic for no benefit.
	close(s.incoming)
	close(s.errors)
	close(s.stateChange)
	return err
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		p, err := protocol.ReadFrame(s.conn)
		if err != nil {
			s.reportState(StateDisconnected, err)
			return
		}
		select {
		case s.incoming <- p:
		case <-s.shutdown:
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case p := <-s.outgoing:
			if err := protocol.WriteFrame(s.conn, p); err != nil {
				s.reportError(err)
				return
			}
		case <-s.shutdown:
			return
		}
	}
}

func (s *Session) reportError(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

func (s *Session) reportState(state StateType, err error) {
	select {
	case s.stateChange <- StateUpdate{State: state, Err: err}:
	default:
	}
}
