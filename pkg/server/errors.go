package server

import (
	"errors"
	"io"
	"log"
	"os"

	"github.com/synacgo/synac/pkg/protocol"
)

// errorLog/debugLog follow the teacher's package-level logger pair.
// errorLog writes to stderr (plus errors.log once initLoggers is given
// a directory); debugLog is discarded until EnableDebugLogging.
var (
	errorLog = log.New(os.Stderr, "[error] ", log.LstdFlags|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "[debug] ", log.LstdFlags|log.Lmicroseconds)
)

// EnableDebugLogging switches debugLog on, mirroring the teacher's
// Server.EnableDebugLogging.
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// initLoggers attaches a file output to errorLog, following the
// teacher's initLoggers (io.MultiWriter to stderr + dir/errors.log,
// opened for append and never rotated). An empty dir leaves stderr only.
func initLoggers(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	errFile, err := os.OpenFile(dir+"/errors.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	errorLog.SetOutput(io.MultiWriter(os.Stderr, errFile))
	return nil
}

// errClientClosing tells messageLoop to end the session quietly, per
// spec 4.F's session state machine: it is returned for a client Close,
// for a non-Login packet before authentication, and after an internal
// failure that dbError has already logged.
var errClientClosing = errors.New("server: client sent close")

// sendError replies with an Err(code) packet; the session continues per
// spec section 7's "validation and policy errors" category.
func (s *Server) sendError(sess *Session, code uint8) error {
	return sess.send(protocol.Err{Code: code})
}

// sendRateLimited replies with RateLimited(seconds); the session
// continues and the request had no side effects.
func (s *Server) sendRateLimited(sess *Session, secondsLeft uint64) error {
	return sess.send(protocol.RateLimited{SecondsLeft: secondsLeft})
}

// dbError logs an internal store failure. Per spec section 7 category
// 4, internal failures are logged and the session is terminated; the
// caller closes the connection after this returns.
func (s *Server) dbError(sess *Session, op string, err error) {
	errorLog.Printf("session %d: %s failed: %v", sess.ID, op, err)
}
